package training

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/schemaforge/internal/introspect"
	"github.com/kiranshivaraju/schemaforge/internal/jobs"
	"github.com/kiranshivaraju/schemaforge/internal/schema"
	"github.com/kiranshivaraju/schemaforge/internal/store"
)

var (
	ErrRecentlyTrained    = errors.New("connection was trained recently")
	ErrTrainingInProgress = store.ErrTrainingInProgress
	ErrConnectionNotFound = schema.ErrConnectionNotFound
)

// UserMessage converts a training error into text safe to show callers.
// Driver errors can embed hosts or credentials, so nothing from err itself
// is echoed.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnectionNotFound):
		return "connection not found"
	case errors.Is(err, ErrTrainingInProgress):
		return "schema training already in progress"
	case errors.Is(err, ErrRecentlyTrained):
		return "schema was trained recently; pass force to retrain"
	case errors.Is(err, introspect.ErrUnsupportedDialect):
		return "database type is not supported"
	case errors.Is(err, jobs.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "schema training timed out"
	case errors.Is(err, introspect.ErrTargetUnavailable):
		return "could not reach the target database"
	case errors.Is(err, context.Canceled):
		return "schema training was interrupted"
	default:
		return "schema training failed"
	}
}

// userError carries a sanitized message while keeping the cause for
// errors.Is and the logs.
type userError struct {
	msg string
	err error
}

func (e *userError) Error() string { return e.msg }
func (e *userError) Unwrap() error { return e.err }

func sanitize(err error) error {
	if err == nil {
		return nil
	}
	return &userError{msg: UserMessage(err), err: err}
}
