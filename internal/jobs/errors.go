package jobs

import (
	"errors"

	"github.com/kiranshivaraju/schemaforge/internal/store"
)

var (
	ErrValidation  = errors.New("invalid job")
	ErrUnknownType = errors.New("unknown job type")
	ErrTimeout     = errors.New("job exceeded its expiry window")
	ErrNotFound    = store.ErrNotFound
	ErrDrain       = errors.New("queue drain timed out")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying. The job fails on
// the current attempt regardless of remaining retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrUnknownType) || errors.Is(err, ErrTimeout)
}
