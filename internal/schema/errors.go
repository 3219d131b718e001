package schema

import (
	"fmt"

	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

// Introspection stages named in warnings.
const (
	StageTables      = "tables"
	StageColumns     = "columns"
	StageIndexes     = "indexes"
	StageForeignKeys = "foreign_keys"
	StageRowCount    = "row_count"
)

// TableError is a fetch failure scoped to one table, or to one schema when
// Table is empty. It degrades the document instead of failing the run.
type TableError struct {
	Schema string
	Table  string
	Stage  string
	Err    error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("%s of %s: %v", e.Stage, e.target(), e.Err)
}

func (e *TableError) Unwrap() error {
	return e.Err
}

func (e *TableError) target() string {
	if e.Table == "" {
		return e.Schema
	}
	return e.Schema + "." + e.Table
}

// Warning is the document entry for the failure. Driver text stays in logs.
func (e *TableError) Warning() models.TrainingWarning {
	return models.TrainingWarning{
		Schema:  e.Schema,
		Table:   e.Table,
		Stage:   e.Stage,
		Message: fmt.Sprintf("failed to fetch %s for %s", stageLabel(e.Stage), e.target()),
	}
}

func stageLabel(stage string) string {
	switch stage {
	case StageForeignKeys:
		return "foreign keys"
	case StageRowCount:
		return "row count"
	default:
		return stage
	}
}
