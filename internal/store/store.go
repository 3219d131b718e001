package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrDuplicateKey      = errors.New("duplicate key violation")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotActive is returned when a job update requires the active state
	// but the row has moved on (cancelled, expired, or claimed by nobody).
	ErrNotActive = errors.New("job is not active")
	// ErrTrainingInProgress is returned by BeginTraining when another run holds
	// the connection and the guard window has not elapsed.
	ErrTrainingInProgress = errors.New("schema training already in progress")
)

// JobStore persists queue rows. Every state change is a single conditional
// statement so concurrent pollers and cancellers never overwrite each other.
type JobStore interface {
	// CreateJob inserts the job unless a live job shares its uniqueness key,
	// in which case the existing id is returned with created=false.
	CreateJob(ctx context.Context, job *models.Job) (id uuid.UUID, created bool, err error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// ClaimJob moves the next due job of the given type to active.
	// Returns nil without error when nothing is due.
	ClaimJob(ctx context.Context, jobType models.JobType, now time.Time) (*models.Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID, output []byte, now time.Time) error
	RetryJob(ctx context.Context, id uuid.UUID, startAfter time.Time, output []byte, now time.Time) error
	FailJob(ctx context.Context, id uuid.UUID, output []byte, now time.Time) error
	// CancelJob cancels a live job. For a terminal job it returns the job
	// unchanged with changed=false.
	CancelJob(ctx context.Context, id uuid.UUID, now time.Time) (job *models.Job, changed bool, err error)
	// ExpireJobs fails every live job whose expiry has passed and returns them.
	ExpireJobs(ctx context.Context, now time.Time, output []byte) ([]*models.Job, error)
}

// SchemaCacheStore persists one training record per connection.
type SchemaCacheStore interface {
	GetSchemaCache(ctx context.Context, connectionID uuid.UUID) (*models.SchemaCacheRecord, error)
	UpsertTrainingStatus(ctx context.Context, connectionID uuid.UUID, status models.TrainingStatus, opts ...StatusOption) error
	UpsertSchemaDocument(ctx context.Context, connectionID uuid.UUID, doc *models.SchemaData, status models.TrainingStatus) error
	DeleteSchemaCache(ctx context.Context, connectionID uuid.UUID) error
	// ListStaleConnections returns active connections never trained or last
	// trained more than maxAge ago.
	ListStaleConnections(ctx context.Context, maxAge time.Duration) ([]uuid.UUID, error)
	// BeginTraining atomically moves the record to training. A record already
	// training is only taken over when force is set or it started before stuckBefore.
	BeginTraining(ctx context.Context, connectionID uuid.UUID, force bool, stuckBefore time.Time) error
}

type ConnectionStore interface {
	GetConnection(ctx context.Context, id uuid.UUID) (*models.Connection, error)
}

type APIKeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, principalID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	JobStore
	SchemaCacheStore
	ConnectionStore
	APIKeyStore
}

// StatusParams are the optional fields of a status update.
type StatusParams struct {
	StartedAt      *time.Time
	ErrorMessage   *string
	UnlessTraining bool
}

type StatusOption func(*StatusParams)

// ApplyStatusOptions resolves opts for SchemaCacheStore implementations.
func ApplyStatusOptions(opts ...StatusOption) StatusParams {
	var p StatusParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func WithStartedAt(t time.Time) StatusOption {
	return func(p *StatusParams) {
		p.StartedAt = &t
	}
}

// UnlessTraining makes the update a no-op for a record that is in training.
func UnlessTraining() StatusOption {
	return func(p *StatusParams) {
		p.UnlessTraining = true
	}
}

func WithErrorMessage(msg string) StatusOption {
	return func(p *StatusParams) {
		p.ErrorMessage = &msg
	}
}

// validTrainingTransitions lists the moves UpsertTrainingStatus accepts.
// completed is reachable only through UpsertSchemaDocument and training
// re-entry only through BeginTraining.
var validTrainingTransitions = map[models.TrainingStatus][]models.TrainingStatus{
	models.TrainingStatusPending:   {models.TrainingStatusPending, models.TrainingStatusTraining, models.TrainingStatusFailed},
	models.TrainingStatusTraining:  {models.TrainingStatusPending, models.TrainingStatusFailed},
	models.TrainingStatusCompleted: {models.TrainingStatusPending, models.TrainingStatusTraining},
	models.TrainingStatusFailed:    {models.TrainingStatusPending, models.TrainingStatusTraining, models.TrainingStatusFailed},
}

// ValidTrainingTransition reports whether UpsertTrainingStatus may move a
// record from one status to another.
func ValidTrainingTransition(from, to models.TrainingStatus) bool {
	for _, allowed := range validTrainingTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
