// Package archive keeps records of removed invoices in blob storage.
package archive

import (
	"context"
	"errors"
	"io"
	"regexp"
)

var (
	ErrNotFound   = errors.New("archived record not found")
	ErrInvalidKey = errors.New("invalid archive key")
)

// validKeyPattern admits invoice ID strings and nothing that could escape a
// directory or bucket prefix.
var validKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

const maxKeyLen = 128

// Archive stores opaque records by key.
type Archive interface {
	// Save writes data under key. size may be -1 when unknown.
	Save(ctx context.Context, key string, data io.Reader, size int64) (int64, error)
	Load(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

func validateKey(key string) error {
	if key == "" || len(key) > maxKeyLen || !validKeyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}
