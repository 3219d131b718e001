package introspect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

// MySQL reads MySQL and MariaDB catalogs through information_schema.
type MySQL struct {
	db       *sqlx.DB
	database string
	dbType   models.DatabaseType
}

var _ Introspector = (*MySQL)(nil)

// OpenMySQL connects to a MySQL or MariaDB target.
func OpenMySQL(ctx context.Context, conn *models.Connection) (Introspector, error) {
	db, err := connect(ctx, "mysql", mysqlDSN(conn), conn.DatabaseType)
	if err != nil {
		return nil, err
	}
	m := NewMySQL(db, conn.Database)
	m.dbType = conn.DatabaseType
	return m, nil
}

// NewMySQL wraps an open pool. With database set, enumeration is limited to
// that database.
func NewMySQL(db *sqlx.DB, database string) *MySQL {
	return &MySQL{db: db, database: database, dbType: models.DatabaseTypeMySQL}
}

func (m *MySQL) Schemas(ctx context.Context) ([]string, error) {
	if m.database != "" {
		return []string{m.database}, nil
	}

	var names []string
	err := m.db.SelectContext(ctx, &names,
		`SELECT SCHEMA_NAME FROM information_schema.SCHEMATA
		 WHERE SCHEMA_NAME NOT IN ('information_schema', 'mysql', 'performance_schema', 'sys')
		 ORDER BY SCHEMA_NAME`)
	if err != nil {
		return nil, targetError("list schemas of", m.dbType, err)
	}
	return names, nil
}

func (m *MySQL) Tables(ctx context.Context, schema string) ([]string, error) {
	var names []string
	err := m.db.SelectContext(ctx, &names,
		`SELECT TABLE_NAME FROM information_schema.TABLES
		 WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'
		 ORDER BY TABLE_NAME`, schema)
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", schema, err)
	}
	return names, nil
}

type mysqlColumn struct {
	Name         string         `db:"name"`
	DataType     string         `db:"data_type"`
	IsNullable   string         `db:"is_nullable"`
	Default      sql.NullString `db:"column_default"`
	ColumnKey    string         `db:"column_key"`
	Comment      string         `db:"comment"`
	IsForeignKey bool           `db:"is_foreign_key"`
}

func (m *MySQL) Columns(ctx context.Context, schema, table string) ([]models.ColumnMetadata, error) {
	var rows []mysqlColumn
	err := m.db.SelectContext(ctx, &rows,
		`SELECT c.COLUMN_NAME AS name,
		        c.COLUMN_TYPE AS data_type,
		        c.IS_NULLABLE AS is_nullable,
		        c.COLUMN_DEFAULT AS column_default,
		        c.COLUMN_KEY AS column_key,
		        c.COLUMN_COMMENT AS comment,
		        EXISTS (
		            SELECT 1 FROM information_schema.KEY_COLUMN_USAGE k
		            WHERE k.TABLE_SCHEMA = c.TABLE_SCHEMA AND k.TABLE_NAME = c.TABLE_NAME
		              AND k.COLUMN_NAME = c.COLUMN_NAME AND k.REFERENCED_TABLE_NAME IS NOT NULL
		        ) AS is_foreign_key
		 FROM information_schema.COLUMNS c
		 WHERE c.TABLE_SCHEMA = ? AND c.TABLE_NAME = ?
		 ORDER BY c.ORDINAL_POSITION`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s.%s: %w", schema, table, err)
	}

	columns := make([]models.ColumnMetadata, 0, len(rows))
	for _, r := range rows {
		col := models.ColumnMetadata{
			Name:         r.Name,
			DataType:     r.DataType,
			IsNullable:   r.IsNullable == "YES",
			IsPrimaryKey: r.ColumnKey == "PRI",
			IsForeignKey: r.IsForeignKey,
			IsUnique:     r.ColumnKey == "PRI" || r.ColumnKey == "UNI",
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

type mysqlIndexColumn struct {
	Name      string         `db:"name"`
	Column    sql.NullString `db:"column_name"`
	NonUnique int            `db:"non_unique"`
	IndexType string         `db:"index_type"`
}

func (m *MySQL) Indexes(ctx context.Context, schema, table string) ([]models.IndexMetadata, error) {
	var rows []mysqlIndexColumn
	err := m.db.SelectContext(ctx, &rows,
		`SELECT INDEX_NAME AS name, COLUMN_NAME AS column_name, NON_UNIQUE AS non_unique, INDEX_TYPE AS index_type
		 FROM information_schema.STATISTICS
		 WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		 ORDER BY INDEX_NAME, SEQ_IN_INDEX`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("list indexes of %s.%s: %w", schema, table, err)
	}

	indexes := make([]models.IndexMetadata, 0)
	pos := make(map[string]int)
	for _, r := range rows {
		i, ok := pos[r.Name]
		if !ok {
			i = len(indexes)
			pos[r.Name] = i
			indexes = append(indexes, models.IndexMetadata{
				Name:      r.Name,
				Columns:   []string{},
				IsUnique:  r.NonUnique == 0,
				IsPrimary: r.Name == "PRIMARY",
				Type:      r.IndexType,
			})
		}
		// Functional index parts have no column name.
		if r.Column.Valid {
			indexes[i].Columns = append(indexes[i].Columns, r.Column.String)
		}
	}
	return indexes, nil
}

type foreignKeyRow struct {
	Name             string `db:"name"`
	ColumnName       string `db:"column_name"`
	ReferencedSchema string `db:"referenced_schema"`
	ReferencedTable  string `db:"referenced_table"`
	ReferencedColumn string `db:"referenced_column"`
	OnUpdate         string `db:"on_update"`
	OnDelete         string `db:"on_delete"`
}

func (r foreignKeyRow) metadata() models.ForeignKeyMetadata {
	return models.ForeignKeyMetadata{
		Name:             r.Name,
		ColumnName:       r.ColumnName,
		ReferencedSchema: r.ReferencedSchema,
		ReferencedTable:  r.ReferencedTable,
		ReferencedColumn: r.ReferencedColumn,
		OnUpdate:         r.OnUpdate,
		OnDelete:         r.OnDelete,
	}
}

func (m *MySQL) ForeignKeys(ctx context.Context, schema, table string) ([]models.ForeignKeyMetadata, error) {
	var rows []foreignKeyRow
	err := m.db.SelectContext(ctx, &rows,
		`SELECT k.CONSTRAINT_NAME AS name,
		        k.COLUMN_NAME AS column_name,
		        k.REFERENCED_TABLE_SCHEMA AS referenced_schema,
		        k.REFERENCED_TABLE_NAME AS referenced_table,
		        k.REFERENCED_COLUMN_NAME AS referenced_column,
		        r.UPDATE_RULE AS on_update,
		        r.DELETE_RULE AS on_delete
		 FROM information_schema.KEY_COLUMN_USAGE k
		 JOIN information_schema.REFERENTIAL_CONSTRAINTS r
		   ON r.CONSTRAINT_SCHEMA = k.CONSTRAINT_SCHEMA AND r.CONSTRAINT_NAME = k.CONSTRAINT_NAME
		 WHERE k.TABLE_SCHEMA = ? AND k.TABLE_NAME = ? AND k.REFERENCED_TABLE_NAME IS NOT NULL
		 ORDER BY k.CONSTRAINT_NAME, k.ORDINAL_POSITION`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("list foreign keys of %s.%s: %w", schema, table, err)
	}

	fks := make([]models.ForeignKeyMetadata, 0, len(rows))
	for _, r := range rows {
		fks = append(fks, r.metadata())
	}
	return fks, nil
}

// RowCountEstimate reads TABLES.TABLE_ROWS, which InnoDB only approximates.
func (m *MySQL) RowCountEstimate(ctx context.Context, schema, table string) (*int64, error) {
	var n sql.NullInt64
	err := m.db.GetContext(ctx, &n,
		`SELECT TABLE_ROWS FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`,
		schema, table)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("estimate rows of %s.%s: %w", schema, table, err)
	}
	if !n.Valid {
		return nil, nil
	}
	return &n.Int64, nil
}

func (m *MySQL) Version(ctx context.Context) (string, error) {
	var v string
	if err := m.db.GetContext(ctx, &v, `SELECT VERSION()`); err != nil {
		return "", fmt.Errorf("read server version: %w", err)
	}
	return v, nil
}

func (m *MySQL) Close() error {
	return m.db.Close()
}
