package introspect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
	"github.com/lib/pq"
)

// managedPlatformSchemas are owned by the hosting platform, not the user.
var managedPlatformSchemas = []string{
	"auth", "storage", "extensions", "graphql", "graphql_public", "realtime",
	"supabase_functions", "supabase_migrations", "vault", "pgbouncer", "pgsodium", "net",
}

// Postgres reads Postgres catalogs. The managed variant hides platform-owned
// schemas.
type Postgres struct {
	db       *sqlx.DB
	dbType   models.DatabaseType
	excluded map[string]bool
}

var _ Introspector = (*Postgres)(nil)

func OpenPostgres(ctx context.Context, conn *models.Connection) (Introspector, error) {
	db, err := connectPostgres(ctx, conn, postgresSSLModes(conn.SSLMode))
	if err != nil {
		return nil, err
	}
	return NewPostgres(db), nil
}

// OpenManagedPostgres connects to a hosted Postgres, requiring TLS unless
// the connection says otherwise.
func OpenManagedPostgres(ctx context.Context, conn *models.Connection) (Introspector, error) {
	modes := []string{"require"}
	if conn.SSLMode != "" {
		modes = postgresSSLModes(conn.SSLMode)
	}
	db, err := connectPostgres(ctx, conn, modes)
	if err != nil {
		return nil, err
	}
	return NewManagedPostgres(db), nil
}

// connectPostgres tries each sslmode in turn. Only a server without TLS
// moves on to the next mode; any other failure is returned as is.
func connectPostgres(ctx context.Context, conn *models.Connection, modes []string) (*sqlx.DB, error) {
	var err error
	for i, mode := range modes {
		var db *sqlx.DB
		db, err = connect(ctx, "postgres", postgresDSN(conn, mode), conn.DatabaseType)
		if err == nil {
			return db, nil
		}
		if i < len(modes)-1 && !errors.Is(err, pq.ErrSSLNotSupported) {
			return nil, err
		}
	}
	return nil, err
}

func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db, dbType: models.DatabaseTypePostgres, excluded: map[string]bool{}}
}

func NewManagedPostgres(db *sqlx.DB) *Postgres {
	p := &Postgres{db: db, dbType: models.DatabaseTypeSupabase, excluded: make(map[string]bool)}
	for _, s := range managedPlatformSchemas {
		p.excluded[s] = true
	}
	return p
}

func (p *Postgres) Schemas(ctx context.Context) ([]string, error) {
	var names []string
	err := p.db.SelectContext(ctx, &names,
		`SELECT schema_name FROM information_schema.schemata
		 WHERE schema_name <> 'information_schema' AND schema_name NOT LIKE 'pg\_%'
		 ORDER BY schema_name`)
	if err != nil {
		return nil, targetError("list schemas of", p.dbType, err)
	}

	out := names[:0]
	for _, n := range names {
		if !p.excluded[n] {
			out = append(out, n)
		}
	}
	return out, nil
}

func (p *Postgres) Tables(ctx context.Context, schema string) ([]string, error) {
	var names []string
	err := p.db.SelectContext(ctx, &names,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		 ORDER BY table_name`, schema)
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", schema, err)
	}
	return names, nil
}

type postgresColumn struct {
	Name         string         `db:"name"`
	DataType     string         `db:"data_type"`
	IsNullable   bool           `db:"is_nullable"`
	Default      sql.NullString `db:"column_default"`
	IsPrimaryKey bool           `db:"is_primary_key"`
	IsForeignKey bool           `db:"is_foreign_key"`
	IsUnique     bool           `db:"is_unique"`
	Comment      string         `db:"comment"`
}

func (p *Postgres) Columns(ctx context.Context, schema, table string) ([]models.ColumnMetadata, error) {
	var rows []postgresColumn
	err := p.db.SelectContext(ctx, &rows,
		`SELECT c.column_name AS name,
		        c.data_type AS data_type,
		        c.is_nullable = 'YES' AS is_nullable,
		        c.column_default AS column_default,
		        COALESCE(bool_or(tc.constraint_type = 'PRIMARY KEY'), false) AS is_primary_key,
		        COALESCE(bool_or(tc.constraint_type = 'FOREIGN KEY'), false) AS is_foreign_key,
		        COALESCE(bool_or(tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE')), false) AS is_unique,
		        COALESCE(col_description(format('%I.%I', c.table_schema, c.table_name)::regclass,
		                                 c.ordinal_position::int), '') AS comment
		 FROM information_schema.columns c
		 LEFT JOIN information_schema.key_column_usage kcu
		   ON kcu.table_schema = c.table_schema AND kcu.table_name = c.table_name
		  AND kcu.column_name = c.column_name
		 LEFT JOIN information_schema.table_constraints tc
		   ON tc.constraint_schema = kcu.constraint_schema AND tc.constraint_name = kcu.constraint_name
		 WHERE c.table_schema = $1 AND c.table_name = $2
		 GROUP BY c.table_schema, c.table_name, c.column_name, c.data_type, c.is_nullable,
		          c.column_default, c.ordinal_position
		 ORDER BY c.ordinal_position`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s.%s: %w", schema, table, err)
	}

	columns := make([]models.ColumnMetadata, 0, len(rows))
	for _, r := range rows {
		col := models.ColumnMetadata{
			Name:         r.Name,
			DataType:     r.DataType,
			IsNullable:   r.IsNullable,
			IsPrimaryKey: r.IsPrimaryKey,
			IsForeignKey: r.IsForeignKey,
			IsUnique:     r.IsUnique,
			Comment:      r.Comment,
		}
		if r.Default.Valid {
			v := r.Default.String
			col.DefaultValue = &v
		}
		columns = append(columns, col)
	}
	return columns, nil
}

type postgresIndex struct {
	Name      string         `db:"name"`
	IsUnique  bool           `db:"is_unique"`
	IsPrimary bool           `db:"is_primary"`
	IndexType string         `db:"index_type"`
	Columns   pq.StringArray `db:"columns"`
}

func (p *Postgres) Indexes(ctx context.Context, schema, table string) ([]models.IndexMetadata, error) {
	var rows []postgresIndex
	err := p.db.SelectContext(ctx, &rows,
		`SELECT i.relname AS name,
		        ix.indisunique AS is_unique,
		        ix.indisprimary AS is_primary,
		        am.amname AS index_type,
		        array_agg(a.attname::text ORDER BY k.ord) AS columns
		 FROM pg_index ix
		 JOIN pg_class t ON t.oid = ix.indrelid
		 JOIN pg_namespace n ON n.oid = t.relnamespace
		 JOIN pg_class i ON i.oid = ix.indexrelid
		 JOIN pg_am am ON am.oid = i.relam
		 CROSS JOIN LATERAL unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ord)
		 JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
		 WHERE n.nspname = $1 AND t.relname = $2
		 GROUP BY i.relname, ix.indisunique, ix.indisprimary, am.amname
		 ORDER BY i.relname`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("list indexes of %s.%s: %w", schema, table, err)
	}

	indexes := make([]models.IndexMetadata, 0, len(rows))
	for _, r := range rows {
		cols := []string(r.Columns)
		if cols == nil {
			cols = []string{}
		}
		indexes = append(indexes, models.IndexMetadata{
			Name:      r.Name,
			Columns:   cols,
			IsUnique:  r.IsUnique,
			IsPrimary: r.IsPrimary,
			Type:      r.IndexType,
		})
	}
	return indexes, nil
}

func (p *Postgres) ForeignKeys(ctx context.Context, schema, table string) ([]models.ForeignKeyMetadata, error) {
	var rows []foreignKeyRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT con.conname AS name,
		        a.attname AS column_name,
		        fn.nspname AS referenced_schema,
		        ft.relname AS referenced_table,
		        fa.attname AS referenced_column,
		        `+referentialAction("con.confupdtype")+` AS on_update,
		        `+referentialAction("con.confdeltype")+` AS on_delete
		 FROM pg_constraint con
		 JOIN pg_class t ON t.oid = con.conrelid
		 JOIN pg_namespace n ON n.oid = t.relnamespace
		 JOIN pg_class ft ON ft.oid = con.confrelid
		 JOIN pg_namespace fn ON fn.oid = ft.relnamespace
		 CROSS JOIN LATERAL unnest(con.conkey, con.confkey) WITH ORDINALITY AS k(attnum, fattnum, ord)
		 JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
		 JOIN pg_attribute fa ON fa.attrelid = con.confrelid AND fa.attnum = k.fattnum
		 WHERE con.contype = 'f' AND n.nspname = $1 AND t.relname = $2
		 ORDER BY con.conname, k.ord`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("list foreign keys of %s.%s: %w", schema, table, err)
	}

	fks := make([]models.ForeignKeyMetadata, 0, len(rows))
	for _, r := range rows {
		fks = append(fks, r.metadata())
	}
	return fks, nil
}

func referentialAction(col string) string {
	return `CASE ` + col + `
		            WHEN 'a' THEN 'NO ACTION' WHEN 'r' THEN 'RESTRICT' WHEN 'c' THEN 'CASCADE'
		            WHEN 'n' THEN 'SET NULL' WHEN 'd' THEN 'SET DEFAULT' ELSE '' END`
}

// RowCountEstimate reads pg_class.reltuples, the planner's estimate. A
// negative value means the table was never analyzed.
func (p *Postgres) RowCountEstimate(ctx context.Context, schema, table string) (*int64, error) {
	var n int64
	err := p.db.GetContext(ctx, &n,
		`SELECT c.reltuples::bigint
		 FROM pg_class c JOIN pg_namespace ns ON ns.oid = c.relnamespace
		 WHERE ns.nspname = $1 AND c.relname = $2 AND c.relkind IN ('r', 'p')`, schema, table)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("estimate rows of %s.%s: %w", schema, table, err)
	}
	if n < 0 {
		return nil, nil
	}
	return &n, nil
}

func (p *Postgres) Version(ctx context.Context) (string, error) {
	var v string
	if err := p.db.GetContext(ctx, &v, `SELECT version()`); err != nil {
		return "", fmt.Errorf("read server version: %w", err)
	}
	return v, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
