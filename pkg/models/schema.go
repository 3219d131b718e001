package models

import "time"

// SchemaData is the normalized metadata document produced by a training run.
type SchemaData struct {
	Schemas      []SchemaMetadata  `json:"schemas"`
	TotalTables  int               `json:"total_tables"`
	TotalColumns int               `json:"total_columns"`
	DatabaseType DatabaseType      `json:"database_type"`
	Version      string            `json:"version,omitempty"`
	Warnings     []TrainingWarning `json:"warnings,omitempty"`
	TrainedAt    time.Time         `json:"trained_at"`
}

// SchemaMetadata groups the tables of one namespace.
type SchemaMetadata struct {
	Name   string          `json:"name"`
	Tables []TableMetadata `json:"tables"`
}

// TableMetadata describes one table. Row counts are estimates on most dialects.
type TableMetadata struct {
	Name        string               `json:"name"`
	Schema      string               `json:"schema"`
	Columns     []ColumnMetadata     `json:"columns"`
	Indexes     []IndexMetadata      `json:"indexes"`
	ForeignKeys []ForeignKeyMetadata `json:"foreign_keys"`
	RowCount    *int64               `json:"row_count,omitempty"`
}

type ColumnMetadata struct {
	Name         string  `json:"name"`
	DataType     string  `json:"data_type"`
	IsNullable   bool    `json:"is_nullable"`
	DefaultValue *string `json:"default_value,omitempty"`
	IsPrimaryKey bool    `json:"is_primary_key"`
	IsForeignKey bool    `json:"is_foreign_key"`
	IsUnique     bool    `json:"is_unique"`
	Comment      string  `json:"comment,omitempty"`
}

type IndexMetadata struct {
	Name      string   `json:"name"`
	Columns   []string `json:"columns"`
	IsUnique  bool     `json:"is_unique"`
	IsPrimary bool     `json:"is_primary"`
	Type      string   `json:"type,omitempty"`
}

type ForeignKeyMetadata struct {
	Name             string `json:"name"`
	ColumnName       string `json:"column_name"`
	ReferencedSchema string `json:"referenced_schema,omitempty"`
	ReferencedTable  string `json:"referenced_table"`
	ReferencedColumn string `json:"referenced_column"`
	OnUpdate         string `json:"on_update,omitempty"`
	OnDelete         string `json:"on_delete,omitempty"`
}

// TrainingWarning records metadata that could not be fetched for one table
// (or one schema) without failing the run.
type TrainingWarning struct {
	Schema  string `json:"schema"`
	Table   string `json:"table,omitempty"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// TableRef names a table inside a schema.
type TableRef struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
}
