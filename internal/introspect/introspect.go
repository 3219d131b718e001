// Package introspect reads catalog metadata from target databases. Each
// dialect has its own adapter; the Registry picks one per connection.
package introspect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

const (
	targetMaxOpenConns    = 2
	targetConnMaxLifetime = 5 * time.Minute
	targetPingTimeout     = 10 * time.Second
)

// Introspector exposes the catalog of one target database. Table-level calls
// fail independently so a caller can degrade a single table.
type Introspector interface {
	Schemas(ctx context.Context) ([]string, error)
	Tables(ctx context.Context, schema string) ([]string, error)
	Columns(ctx context.Context, schema, table string) ([]models.ColumnMetadata, error)
	Indexes(ctx context.Context, schema, table string) ([]models.IndexMetadata, error)
	ForeignKeys(ctx context.Context, schema, table string) ([]models.ForeignKeyMetadata, error)
	// RowCountEstimate returns nil when no estimate is available. Server
	// dialects report planner statistics, never an exact count.
	RowCountEstimate(ctx context.Context, schema, table string) (*int64, error)
	Version(ctx context.Context) (string, error)
	Close() error
}

// Opener connects to a target and returns its adapter.
type Opener func(ctx context.Context, conn *models.Connection) (Introspector, error)

// Registry maps each dialect to the opener of its adapter.
type Registry struct {
	openers map[models.DatabaseType]Opener
}

// NewRegistry returns a registry with every supported dialect registered.
func NewRegistry() *Registry {
	r := &Registry{openers: make(map[models.DatabaseType]Opener)}
	r.Register(models.DatabaseTypeMySQL, OpenMySQL)
	r.Register(models.DatabaseTypeMariaDB, OpenMySQL)
	r.Register(models.DatabaseTypePostgres, OpenPostgres)
	r.Register(models.DatabaseTypeSupabase, OpenManagedPostgres)
	r.Register(models.DatabaseTypeSQLite, OpenSQLite)
	return r
}

// Register adds or replaces the opener for a dialect.
func (r *Registry) Register(dbType models.DatabaseType, open Opener) {
	r.openers[dbType] = open
}

func (r *Registry) Open(ctx context.Context, conn *models.Connection) (Introspector, error) {
	open, ok := r.openers[conn.DatabaseType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, conn.DatabaseType)
	}
	return open(ctx, conn)
}

// connect opens and pings a pool sized for sequential catalog reads.
func connect(ctx context.Context, driver, dsn string, dbType models.DatabaseType) (*sqlx.DB, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, targetError("open", dbType, err)
	}
	db.SetMaxOpenConns(targetMaxOpenConns)
	db.SetMaxIdleConns(targetMaxOpenConns)
	db.SetConnMaxLifetime(targetConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, targetPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, targetError("connect to", dbType, err)
	}
	return db, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
