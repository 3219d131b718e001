package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobType is the closed set of work the queue accepts.
type JobType string

const (
	JobTypeSchemaRebuild    JobType = "schema-rebuild"
	JobTypeDataExport       JobType = "data-export"
	JobTypeBulkImport       JobType = "bulk-import"
	JobTypeAnalyticsReport  JobType = "analytics-report"
	JobTypeBackupConnection JobType = "backup-connection"
)

// JobState is the lifecycle state of a job row.
type JobState string

const (
	JobStateCreated   JobState = "created"
	JobStateRetry     JobState = "retry"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// Claimable reports whether a poller may move the job to active.
func (s JobState) Claimable() bool {
	return s == JobStateCreated || s == JobStateRetry
}

// JobPolicy is the per-type retry, backoff and expiry configuration.
type JobPolicy struct {
	Priority     int           `json:"priority"`
	RetryLimit   int           `json:"retry_limit"`
	RetryDelay   time.Duration `json:"retry_delay"`
	RetryBackoff bool          `json:"retry_backoff"`
	ExpireAfter  time.Duration `json:"expire_after"`
}

// Job is a durable unit of asynchronous work. Policy fields are copied onto the row
// at enqueue time so later policy changes never affect queued work.
type Job struct {
	ID                 uuid.UUID       `db:"id"                   json:"id"`
	Type               JobType         `db:"type"                 json:"type"`
	Payload            json.RawMessage `db:"payload"              json:"payload"`
	Priority           int             `db:"priority"             json:"priority"`
	RetryLimit         int             `db:"retry_limit"          json:"retry_limit"`
	RetryDelaySeconds  int             `db:"retry_delay_seconds"  json:"retry_delay_seconds"`
	RetryBackoff       bool            `db:"retry_backoff"        json:"retry_backoff"`
	ExpireAfterSeconds int             `db:"expire_after_seconds" json:"expire_after_seconds"`
	UniquenessKey      *string         `db:"uniqueness_key"       json:"uniqueness_key,omitempty"`
	State              JobState        `db:"state"                json:"state"`
	RetryCount         int             `db:"retry_count"          json:"retry_count"`
	PrincipalID        *uuid.UUID      `db:"principal_id"         json:"principal_id,omitempty"`
	StartAfter         time.Time       `db:"start_after"          json:"start_after"`
	Output             json.RawMessage `db:"output"               json:"output,omitempty"`
	StartedAt          *time.Time      `db:"started_at"           json:"started_at,omitempty"`
	CompletedAt        *time.Time      `db:"completed_at"         json:"completed_at,omitempty"`
	CreatedAt          time.Time       `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"           json:"updated_at"`
}

// ExpiresAt is the instant after which the job is failed with a timeout.
func (j *Job) ExpiresAt() time.Time {
	return j.CreatedAt.Add(time.Duration(j.ExpireAfterSeconds) * time.Second)
}

// JobOutput is the JSON shape stored in Job.Output.
type JobOutput struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}
