package models

import (
	"time"

	"github.com/google/uuid"
)

// TrainingStatus is the training state of a connection's cached schema.
type TrainingStatus string

const (
	TrainingStatusPending   TrainingStatus = "pending"
	TrainingStatusTraining  TrainingStatus = "training"
	TrainingStatusCompleted TrainingStatus = "completed"
	TrainingStatusFailed    TrainingStatus = "failed"
)

// SchemaCacheRecord is the persisted training result for one connection.
// A completed record always carries SchemaData.
type SchemaCacheRecord struct {
	ConnectionID      uuid.UUID      `db:"connection_id"       json:"connection_id"`
	TrainingStatus    TrainingStatus `db:"training_status"     json:"training_status"`
	TrainingStartedAt *time.Time     `db:"training_started_at" json:"training_started_at,omitempty"`
	LastTrainedAt     *time.Time     `db:"last_trained_at"     json:"last_trained_at,omitempty"`
	ErrorMessage      *string        `db:"error_message"       json:"error_message,omitempty"`
	SchemaData        *SchemaData    `db:"schema_data"         json:"schema_data,omitempty"`
	CreatedAt         time.Time      `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"          json:"updated_at"`
}
