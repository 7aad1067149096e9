package models

import (
	"errors"
	"fmt"
)

// Error kinds shared by the store, tracker and resolver.
var (
	// ErrStorageUnavailable means the durable store could not be opened, read or written.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrResolutionExhausted means every fallback step failed for an asset.
	ErrResolutionExhausted = errors.New("asset unavailable")
	// ErrRefreshFailed means the signing service could not re-sign a reference.
	ErrRefreshFailed = errors.New("refresh failed")
	// ErrInvalidAssetReference means an identifier or reference is malformed or missing.
	ErrInvalidAssetReference = errors.New("invalid asset reference")
	// ErrNotFound is returned by lookups that require the record to exist.
	ErrNotFound = errors.New("not found")
)

// OpError attaches an error kind and operation name to a cause.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

// NewOpError wraps err with kind for operation op.
func NewOpError(op string, kind, err error) *OpError {
	return &OpError{Op: op, Kind: kind, Err: err}
}

func (e *OpError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Kind != nil && e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	case e.Kind != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op
	}
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *OpError) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}
