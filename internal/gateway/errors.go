package gateway

import (
	"errors"
	"fmt"

	"xmrgate/internal/store"
	"xmrgate/internal/xmr"
)

// Kind classifies gateway errors.
type Kind int

const (
	KindRPC Kind = iota + 1
	KindStorage
	KindSubscriber
	KindUnblind
	KindParse
	KindScanningThread
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindRPC:
		return "rpc"
	case KindStorage:
		return "storage"
	case KindSubscriber:
		return "subscriber"
	case KindUnblind:
		return "unblind"
	case KindParse:
		return "parse"
	case KindScanningThread:
		return "scanning thread"
	case KindValidation:
		return "validation"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var (
	ErrNotFound       = store.ErrNotFound
	ErrDuplicateIndex = store.ErrDuplicateIndex
	ErrNotTerminal    = errors.New("invoice is not confirmed or expired")
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrAlreadyRunning = errors.New("scanner already running")
	ErrNotRunning     = errors.New("scanner not running")
	ErrClosed         = errors.New("gateway closed")
)

// Error is returned by every Gateway method.
type Error struct {
	Kind Kind
	// Index is set for KindUnblind.
	Index xmr.SubIndex
	// Datatype and Input are set for KindParse.
	Datatype string
	Input    string
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindUnblind:
		return fmt.Sprintf("unblind error for subaddress %s: %v", e.Index, e.Err)
	case KindParse:
		return fmt.Sprintf("failed to parse %s %q: %v", e.Datatype, e.Input, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func validationError(format string, args ...any) error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf("%w: "+format, append([]any{ErrInvalidRequest}, args...)...)}
}

func storageError(err error) error {
	if errors.Is(err, store.ErrDuplicateIndex) {
		return &Error{Kind: KindValidation, Err: err}
	}
	return &Error{Kind: KindStorage, Err: err}
}

// classify converts errors from lower layers into a gateway Error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return err
	}
	var pe *xmr.ParseError
	if errors.As(err, &pe) {
		return &Error{Kind: KindParse, Datatype: pe.Datatype, Input: pe.Input, Err: pe.Err}
	}
	var ue *xmr.UnblindError
	if errors.As(err, &ue) {
		return &Error{Kind: KindUnblind, Index: ue.Index, Err: err}
	}
	return &Error{Kind: KindRPC, Err: err}
}
