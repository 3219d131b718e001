package introspect

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLite reads an embedded database file through PRAGMA queries. Schemas are
// the attached databases, normally just "main".
type SQLite struct {
	db *sqlx.DB
}

var _ Introspector = (*SQLite)(nil)

func OpenSQLite(ctx context.Context, conn *models.Connection) (Introspector, error) {
	db, err := connect(ctx, "sqlite3", sqliteDSN(conn), conn.DatabaseType)
	if err != nil {
		return nil, err
	}
	return NewSQLite(db), nil
}

// NewSQLite wraps an open pool. PRAGMA result sets vary across SQLite
// versions, so unmapped columns are ignored.
func NewSQLite(db *sqlx.DB) *SQLite {
	return &SQLite{db: db.Unsafe()}
}

type sqliteDatabase struct {
	Seq  int            `db:"seq"`
	Name string         `db:"name"`
	File sql.NullString `db:"file"`
}

func (s *SQLite) Schemas(ctx context.Context) ([]string, error) {
	var rows []sqliteDatabase
	if err := s.db.SelectContext(ctx, &rows, `PRAGMA database_list`); err != nil {
		return nil, targetError("list schemas of", models.DatabaseTypeSQLite, err)
	}

	names := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.Name != "temp" {
			names = append(names, r.Name)
		}
	}
	return names, nil
}

func (s *SQLite) Tables(ctx context.Context, schema string) ([]string, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names,
		`SELECT name FROM `+quoteIdent(schema)+`.sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\'
		 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", schema, err)
	}
	return names, nil
}

type sqliteColumn struct {
	CID     int            `db:"cid"`
	Name    string         `db:"name"`
	Type    string         `db:"type"`
	NotNull int            `db:"notnull"`
	Default sql.NullString `db:"dflt_value"`
	PK      int            `db:"pk"`
}

func (s *SQLite) tableInfo(ctx context.Context, schema, table string) ([]sqliteColumn, error) {
	var rows []sqliteColumn
	err := s.db.SelectContext(ctx, &rows, `PRAGMA `+quoteIdent(schema)+`.table_info(`+quoteIdent(table)+`)`)
	return rows, err
}

func (s *SQLite) Columns(ctx context.Context, schema, table string) ([]models.ColumnMetadata, error) {
	rows, err := s.tableInfo(ctx, schema, table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s.%s: %w", schema, table, err)
	}

	// Key flags come from the index and foreign key lists; a failure there
	// only loses the flags.
	unique := make(map[string]bool)
	if indexes, err := s.Indexes(ctx, schema, table); err == nil {
		for _, idx := range indexes {
			if idx.IsUnique && len(idx.Columns) == 1 {
				unique[idx.Columns[0]] = true
			}
		}
	}
	foreign := make(map[string]bool)
	if fks, err := s.ForeignKeys(ctx, schema, table); err == nil {
		for _, fk := range fks {
			foreign[fk.ColumnName] = true
		}
	}

	pkCols := 0
	for _, r := range rows {
		if r.PK > 0 {
			pkCols++
		}
	}

	columns := make([]models.ColumnMetadata, 0, len(rows))
	for _, r := range rows {
		col := models.ColumnMetadata{
			Name:         r.Name,
			DataType:     r.Type,
			IsNullable:   r.NotNull == 0 && r.PK == 0,
			IsPrimaryKey: r.PK > 0,
			IsForeignKey: foreign[r.Name],
			IsUnique:     unique[r.Name] || (r.PK > 0 && pkCols == 1),
		}
		if r.Default.Valid {
			v := r.Default.String
			col.DefaultValue = &v
		}
		columns = append(columns, col)
	}
	return columns, nil
}

type sqliteIndex struct {
	Seq     int    `db:"seq"`
	Name    string `db:"name"`
	Unique  int    `db:"unique"`
	Origin  string `db:"origin"`
	Partial int    `db:"partial"`
}

type sqliteIndexColumn struct {
	SeqNo int            `db:"seqno"`
	CID   int            `db:"cid"`
	Name  sql.NullString `db:"name"`
}

func (s *SQLite) Indexes(ctx context.Context, schema, table string) ([]models.IndexMetadata, error) {
	var list []sqliteIndex
	if err := s.db.SelectContext(ctx, &list, `PRAGMA `+quoteIdent(schema)+`.index_list(`+quoteIdent(table)+`)`); err != nil {
		return nil, fmt.Errorf("list indexes of %s.%s: %w", schema, table, err)
	}

	indexes := make([]models.IndexMetadata, 0, len(list))
	for _, idx := range list {
		var cols []sqliteIndexColumn
		if err := s.db.SelectContext(ctx, &cols, `PRAGMA `+quoteIdent(schema)+`.index_info(`+quoteIdent(idx.Name)+`)`); err != nil {
			return nil, fmt.Errorf("list columns of index %s: %w", idx.Name, err)
		}
		names := make([]string, 0, len(cols))
		for _, c := range cols {
			if c.Name.Valid {
				names = append(names, c.Name.String)
			}
		}
		indexes = append(indexes, models.IndexMetadata{
			Name:      idx.Name,
			Columns:   names,
			IsUnique:  idx.Unique == 1,
			IsPrimary: idx.Origin == "pk",
			Type:      "btree",
		})
	}

	// An INTEGER PRIMARY KEY is the rowid and has no index entry.
	if pk, err := s.primaryKey(ctx, schema, table); err == nil && len(pk) > 0 && !hasPrimary(indexes) {
		indexes = append(indexes, models.IndexMetadata{
			Name:      "PRIMARY",
			Columns:   pk,
			IsUnique:  true,
			IsPrimary: true,
			Type:      "rowid",
		})
	}
	return indexes, nil
}

func hasPrimary(indexes []models.IndexMetadata) bool {
	for _, idx := range indexes {
		if idx.IsPrimary {
			return true
		}
	}
	return false
}

func (s *SQLite) primaryKey(ctx context.Context, schema, table string) ([]string, error) {
	rows, err := s.tableInfo(ctx, schema, table)
	if err != nil {
		return nil, err
	}
	pk := make([]string, 0)
	for pos := 1; ; pos++ {
		found := false
		for _, r := range rows {
			if r.PK == pos {
				pk = append(pk, r.Name)
				found = true
			}
		}
		if !found {
			return pk, nil
		}
	}
}

type sqliteForeignKey struct {
	ID       int            `db:"id"`
	Seq      int            `db:"seq"`
	Table    string         `db:"table"`
	From     string         `db:"from"`
	To       sql.NullString `db:"to"`
	OnUpdate string         `db:"on_update"`
	OnDelete string         `db:"on_delete"`
	Match    string         `db:"match"`
}

func (s *SQLite) ForeignKeys(ctx context.Context, schema, table string) ([]models.ForeignKeyMetadata, error) {
	var rows []sqliteForeignKey
	if err := s.db.SelectContext(ctx, &rows, `PRAGMA `+quoteIdent(schema)+`.foreign_key_list(`+quoteIdent(table)+`)`); err != nil {
		return nil, fmt.Errorf("list foreign keys of %s.%s: %w", schema, table, err)
	}

	fks := make([]models.ForeignKeyMetadata, 0, len(rows))
	for _, r := range rows {
		ref := r.To.String
		// REFERENCES t without a column list targets t's primary key.
		if !r.To.Valid || ref == "" {
			if pk, err := s.primaryKey(ctx, schema, r.Table); err == nil && len(pk) > r.Seq {
				ref = pk[r.Seq]
			}
		}
		fks = append(fks, models.ForeignKeyMetadata{
			Name:             fmt.Sprintf("fk_%s_%d", table, r.ID),
			ColumnName:       r.From,
			ReferencedSchema: schema,
			ReferencedTable:  r.Table,
			ReferencedColumn: ref,
			OnUpdate:         r.OnUpdate,
			OnDelete:         r.OnDelete,
		})
	}
	return fks, nil
}

// RowCountEstimate is an exact COUNT(*); embedded databases are small enough.
func (s *SQLite) RowCountEstimate(ctx context.Context, schema, table string) (*int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM `+quoteIdent(schema)+`.`+quoteIdent(table)); err != nil {
		return nil, fmt.Errorf("count rows of %s.%s: %w", schema, table, err)
	}
	return &n, nil
}

func (s *SQLite) Version(ctx context.Context) (string, error) {
	var v string
	if err := s.db.GetContext(ctx, &v, `SELECT sqlite_version()`); err != nil {
		return "", fmt.Errorf("read sqlite version: %w", err)
	}
	return v, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
