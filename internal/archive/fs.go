package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"xmrgate/internal/logging"
)

// FSArchive stores one file per key under a base directory.
type FSArchive struct {
	basePath string
}

// NewFS creates basePath if needed.
func NewFS(basePath string) (*FSArchive, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &FSArchive{basePath: basePath}, nil
}

func (a *FSArchive) path(key string) string {
	return filepath.Join(a.basePath, key+".json")
}

// Save writes to a temporary file and renames it into place, so a crash never
// leaves a truncated record.
func (a *FSArchive) Save(ctx context.Context, key string, data io.Reader, size int64) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(a.basePath, ".tmp-"+key+"-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), a.path(key)); err != nil {
		return 0, err
	}
	logging.Archive.WithField("key", key).Debug("archived record")
	return n, nil
}

func (a *FSArchive) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(a.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (a *FSArchive) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := os.Remove(a.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}
