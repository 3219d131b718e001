// Package models contains the data models shared across packages.
package models

import (
	"time"

	"github.com/google/uuid"
)

// DatabaseType identifies the dialect of a target database.
type DatabaseType string

const (
	DatabaseTypeMySQL    DatabaseType = "mysql"
	DatabaseTypeMariaDB  DatabaseType = "mariadb"
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeSQLite   DatabaseType = "sqlite"
	DatabaseTypeSupabase DatabaseType = "supabase"
)

// Connection is a registered target database. Records are managed elsewhere;
// this service only reads them.
type Connection struct {
	ID           uuid.UUID    `db:"id"            json:"id"`
	Name         string       `db:"name"          json:"name"`
	DatabaseType DatabaseType `db:"database_type" json:"database_type"`
	Host         string       `db:"host"          json:"host,omitempty"`
	Port         int          `db:"port"          json:"port,omitempty"`
	Database     string       `db:"database_name" json:"database,omitempty"`
	Username     string       `db:"username"      json:"username,omitempty"`
	Password     string       `db:"password"      json:"-"`
	SSLMode      string       `db:"ssl_mode"      json:"ssl_mode,omitempty"`
	FilePath     string       `db:"file_path"     json:"file_path,omitempty"`
	IsActive     bool         `db:"is_active"     json:"is_active"`
	CreatedAt    time.Time    `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"    json:"updated_at"`
}
