// Package schema runs training: it walks a target database through its
// dialect adapter and assembles one normalized metadata document.
package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/schemaforge/internal/introspect"
	"github.com/kiranshivaraju/schemaforge/internal/store"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

var ErrConnectionNotFound = errors.New("connection not found")

// Progress bounds of the introspection phase. Callers own [0,10) for setup
// and (90,100] for persistence.
const (
	ProgressStart = 10
	ProgressEnd   = 90
)

// ProgressFunc receives percentages in [ProgressStart, ProgressEnd].
type ProgressFunc func(percentage int)

// Options selects what a training run reads. Empty selections mean all.
type Options struct {
	SelectedSchemas    []string          `json:"selected_schemas,omitempty"`
	SelectedTables     []models.TableRef `json:"selected_tables,omitempty"`
	IncludeColumns     bool              `json:"include_columns"`
	IncludeIndexes     bool              `json:"include_indexes"`
	IncludeForeignKeys bool              `json:"include_foreign_keys"`
	IncludeRowCounts   bool              `json:"include_row_counts"`
}

// DefaultOptions reads everything.
func DefaultOptions() Options {
	return Options{
		IncludeColumns:     true,
		IncludeIndexes:     true,
		IncludeForeignKeys: true,
		IncludeRowCounts:   true,
	}
}

// UnmarshalJSON starts from DefaultOptions, so an include flag left out of
// the document stays on. Unknown fields are rejected.
func (o *Options) UnmarshalJSON(data []byte) error {
	type plain Options
	p := plain(DefaultOptions())
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*o = Options(p)
	return nil
}

type Engine struct {
	connections store.ConnectionStore
	registry    *introspect.Registry
	now         func() time.Time
}

func NewEngine(connections store.ConnectionStore, registry *introspect.Registry) *Engine {
	return &Engine{connections: connections, registry: registry, now: time.Now}
}

// Train introspects one connection. Failures scoped to a table or to one
// schema's table listing become warnings; only an unreachable target or a
// failed schema enumeration fails the run.
func (e *Engine) Train(ctx context.Context, connectionID uuid.UUID, opts Options, progress ProgressFunc) (*models.SchemaData, error) {
	conn, err := e.connections.GetConnection(ctx, connectionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !conn.IsActive) {
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}

	in, err := e.registry.Open(ctx, conn)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := in.Close(); err != nil {
			slog.Warn("failed to close target database", "connection_id", connectionID, "error", err)
		}
	}()

	run := newTrainingRun(conn, opts, in, progress)
	run.progress.report(ProgressStart)

	available, err := in.Schemas(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate schemas: %w", err)
	}
	schemas := run.selectSchemas(available)

	doc := &models.SchemaData{
		Schemas:      make([]models.SchemaMetadata, 0, len(schemas)),
		DatabaseType: conn.DatabaseType,
	}
	for i, name := range schemas {
		meta, err := run.trainSchema(ctx, i, len(schemas), name)
		if err != nil {
			return nil, err
		}
		if meta != nil {
			doc.Schemas = append(doc.Schemas, *meta)
		}
	}

	if v, err := in.Version(ctx); err != nil {
		slog.Debug("database version unavailable", "connection_id", connectionID, "error", err)
	} else {
		doc.Version = v
	}

	for _, s := range doc.Schemas {
		doc.TotalTables += len(s.Tables)
		for _, t := range s.Tables {
			doc.TotalColumns += len(t.Columns)
		}
	}
	doc.Warnings = run.warnings
	doc.TrainedAt = e.now().UTC()
	run.progress.report(ProgressEnd)

	slog.Info("schema training finished",
		"connection_id", connectionID,
		"database_type", conn.DatabaseType,
		"schemas", len(doc.Schemas),
		"tables", doc.TotalTables,
		"warnings", len(doc.Warnings),
	)
	return doc, nil
}

// trainingRun is the state of one Train call.
type trainingRun struct {
	conn     *models.Connection
	opts     Options
	in       introspect.Introspector
	progress *progressTracker
	warnings []models.TrainingWarning

	schemaFilter map[string]bool
	tableFilter  map[string]map[string]bool
}

func newTrainingRun(conn *models.Connection, opts Options, in introspect.Introspector, progress ProgressFunc) *trainingRun {
	r := &trainingRun{
		conn:        conn,
		opts:        opts,
		in:          in,
		progress:    newProgressTracker(progress),
		tableFilter: make(map[string]map[string]bool),
	}
	for _, ref := range opts.SelectedTables {
		if r.tableFilter[ref.Schema] == nil {
			r.tableFilter[ref.Schema] = make(map[string]bool)
		}
		r.tableFilter[ref.Schema][ref.Table] = true
	}

	switch {
	case len(opts.SelectedSchemas) > 0:
		r.schemaFilter = make(map[string]bool, len(opts.SelectedSchemas))
		for _, s := range opts.SelectedSchemas {
			r.schemaFilter[s] = true
		}
	case len(r.tableFilter) > 0:
		// Selecting only tables implies their schemas.
		r.schemaFilter = make(map[string]bool, len(r.tableFilter))
		for s := range r.tableFilter {
			r.schemaFilter[s] = true
		}
	}
	return r
}

func (r *trainingRun) selectSchemas(available []string) []string {
	if r.schemaFilter == nil {
		return available
	}
	selected := make([]string, 0, len(available))
	for _, s := range available {
		if r.schemaFilter[s] {
			selected = append(selected, s)
		}
	}
	return selected
}

func (r *trainingRun) selectTables(schema string, available []string) []string {
	wanted, ok := r.tableFilter[schema]
	if !ok {
		return available
	}
	selected := make([]string, 0, len(wanted))
	for _, t := range available {
		if wanted[t] {
			selected = append(selected, t)
		}
	}
	return selected
}

// trainSchema returns nil metadata when the schema's tables could not be
// listed. The error return is reserved for cancellation.
func (r *trainingRun) trainSchema(ctx context.Context, index, total int, schema string) (*models.SchemaMetadata, error) {
	names, err := r.in.Tables(ctx, schema)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.warn(&TableError{Schema: schema, Stage: StageTables, Err: err})
		r.progress.report(weightedProgress(index+1, total, 0, 0))
		return nil, nil
	}
	names = r.selectTables(schema, names)

	meta := &models.SchemaMetadata{Name: schema, Tables: make([]models.TableMetadata, 0, len(names))}
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		meta.Tables = append(meta.Tables, r.trainTable(ctx, schema, name))
		r.progress.report(weightedProgress(index, total, i+1, len(names)))
	}
	r.progress.report(weightedProgress(index+1, total, 0, 0))
	return meta, nil
}

func (r *trainingRun) trainTable(ctx context.Context, schema, table string) models.TableMetadata {
	t := models.TableMetadata{
		Name:        table,
		Schema:      schema,
		Columns:     []models.ColumnMetadata{},
		Indexes:     []models.IndexMetadata{},
		ForeignKeys: []models.ForeignKeyMetadata{},
	}

	if r.opts.IncludeColumns {
		if cols, err := r.in.Columns(ctx, schema, table); err != nil {
			r.warn(&TableError{Schema: schema, Table: table, Stage: StageColumns, Err: err})
		} else if cols != nil {
			t.Columns = cols
		}
	}
	if r.opts.IncludeIndexes {
		if idx, err := r.in.Indexes(ctx, schema, table); err != nil {
			r.warn(&TableError{Schema: schema, Table: table, Stage: StageIndexes, Err: err})
		} else if idx != nil {
			t.Indexes = idx
		}
	}
	if r.opts.IncludeForeignKeys {
		if fks, err := r.in.ForeignKeys(ctx, schema, table); err != nil {
			r.warn(&TableError{Schema: schema, Table: table, Stage: StageForeignKeys, Err: err})
		} else if fks != nil {
			t.ForeignKeys = fks
		}
	}
	if r.opts.IncludeRowCounts {
		if n, err := r.in.RowCountEstimate(ctx, schema, table); err != nil {
			r.warn(&TableError{Schema: schema, Table: table, Stage: StageRowCount, Err: err})
		} else {
			t.RowCount = n
		}
	}
	return t
}

func (r *trainingRun) warn(err *TableError) {
	slog.Warn("schema introspection degraded",
		"connection_id", r.conn.ID,
		"schema", err.Schema,
		"table", err.Table,
		"stage", err.Stage,
		"error", err.Err,
	)
	r.warnings = append(r.warnings, err.Warning())
}
