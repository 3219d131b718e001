package introspect

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

var (
	// ErrTargetUnavailable means the target database could not be reached or
	// refused the session. Callers may retry.
	ErrTargetUnavailable  = errors.New("target database unavailable")
	ErrUnsupportedDialect = errors.New("unsupported database type")
)

// TargetError wraps a driver failure. Its message never includes the driver
// text, which can embed credentials or host details.
type TargetError struct {
	Op           string
	DatabaseType models.DatabaseType
	cause        error
}

func targetError(op string, dbType models.DatabaseType, cause error) error {
	return &TargetError{Op: op, DatabaseType: dbType, cause: cause}
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("%s %s database: %s", e.Op, e.DatabaseType, ErrTargetUnavailable)
}

func (e *TargetError) Unwrap() []error {
	return []error{ErrTargetUnavailable, e.cause}
}

// Cause returns the underlying driver error, for logs only.
func (e *TargetError) Cause() error {
	return e.cause
}
