// Package training ties the job queue to the schema engine: it guards
// training requests, enqueues rebuild jobs, runs inline training and
// persists results in the schema cache.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/schemaforge/internal/jobs"
	"github.com/kiranshivaraju/schemaforge/internal/schema"
	"github.com/kiranshivaraju/schemaforge/internal/store"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

const persistTimeout = 10 * time.Second

// Trainer runs one training pass. *schema.Engine satisfies it.
type Trainer interface {
	Train(ctx context.Context, connectionID uuid.UUID, opts schema.Options, progress schema.ProgressFunc) (*models.SchemaData, error)
}

// Enqueuer submits jobs and reports whether a new one was stored.
// *jobs.Queue satisfies it.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType models.JobType, payload any, opts *jobs.Options) (uuid.UUID, bool, error)
}

// uncachedStore is implemented by read-through caches over the schema store.
type uncachedStore interface {
	Uncached() store.SchemaCacheStore
}

// WorkerRegistrar registers job handlers. *jobs.Queue satisfies it.
type WorkerRegistrar interface {
	RegisterWorker(jobType models.JobType, handler jobs.Handler, opts jobs.WorkerOptions) error
}

type Config struct {
	// FreshnessWindow refuses unforced retraining of a recently trained connection.
	FreshnessWindow time.Duration
	// StuckAfter lets a new run take over one left in training this long.
	StuckAfter time.Duration
	// InlineTimeout bounds TrainNow.
	InlineTimeout time.Duration
}

// Request asks for one connection to be trained. A nil Options reads everything.
type Request struct {
	ConnectionID uuid.UUID
	PrincipalID  *uuid.UUID
	Force        bool
	Options      *schema.Options
}

func (r Request) options() schema.Options {
	if r.Options == nil {
		return schema.DefaultOptions()
	}
	return *r.Options
}

// Response is the async acknowledgement.
type Response struct {
	Status models.TrainingStatus `json:"status"`
	JobID  uuid.UUID             `json:"job_id"`
}

type Service struct {
	schemas store.SchemaCacheStore
	// guardReads serves the guards, which must see the row as stored.
	guardReads  store.SchemaCacheStore
	connections store.ConnectionStore
	trainer     Trainer
	queue       Enqueuer
	cfg         Config
	now         func() time.Time
}

func NewService(schemas store.SchemaCacheStore, connections store.ConnectionStore, trainer Trainer, queue Enqueuer, cfg Config) *Service {
	guardReads := schemas
	if u, ok := schemas.(uncachedStore); ok {
		guardReads = u.Uncached()
	}
	return &Service{
		schemas:     schemas,
		guardReads:  guardReads,
		connections: connections,
		trainer:     trainer,
		queue:       queue,
		cfg:         cfg,
		now:         time.Now,
	}
}

// RegisterWorkers attaches the rebuild handler to a queue.
func (s *Service) RegisterWorkers(r WorkerRegistrar, opts jobs.WorkerOptions) error {
	return r.RegisterWorker(models.JobTypeSchemaRebuild, s.HandleSchemaRebuild, opts)
}

func (s *Service) GetSchemaCache(ctx context.Context, connectionID uuid.UUID) (*models.SchemaCacheRecord, error) {
	return s.schemas.GetSchemaCache(ctx, connectionID)
}

func (s *Service) DeleteSchemaCache(ctx context.Context, connectionID uuid.UUID) error {
	return s.schemas.DeleteSchemaCache(ctx, connectionID)
}

// RequestTraining guards the request and enqueues a rebuild job. A rebuild
// already queued or running for the connection is reused, and only a newly
// created job marks the record pending.
func (s *Service) RequestTraining(ctx context.Context, req Request) (*Response, error) {
	if err := s.checkConnection(ctx, req.ConnectionID); err != nil {
		return nil, err
	}
	if err := s.guard(ctx, req.ConnectionID, req.Force); err != nil {
		return nil, err
	}

	payload := rebuildPayload{ConnectionID: req.ConnectionID, Force: req.Force, Options: req.options()}
	jobID, created, err := s.queue.EnqueueJob(ctx, models.JobTypeSchemaRebuild, payload, &jobs.Options{
		UniquenessKey: uniquenessKey(req.ConnectionID),
		PrincipalID:   req.PrincipalID,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue schema rebuild: %w", err)
	}

	status := models.TrainingStatusPending
	if created {
		// The new job may already have started; a run in training keeps its status.
		if err := s.schemas.UpsertTrainingStatus(ctx, req.ConnectionID, models.TrainingStatusPending, store.UnlessTraining()); err != nil {
			return nil, fmt.Errorf("mark training pending: %w", err)
		}
	}
	if rec, err := s.guardReads.GetSchemaCache(ctx, req.ConnectionID); err == nil {
		status = rec.TrainingStatus
	}

	slog.Info("schema training requested",
		"connection_id", req.ConnectionID,
		"job_id", jobID,
		"new_job", created,
		"force", req.Force,
	)
	return &Response{Status: status, JobID: jobID}, nil
}

// TrainNow trains inline and returns the completed record.
func (s *Service) TrainNow(ctx context.Context, req Request) (*models.SchemaCacheRecord, error) {
	if s.cfg.InlineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.InlineTimeout)
		defer cancel()
	}

	if err := s.checkConnection(ctx, req.ConnectionID); err != nil {
		return nil, err
	}
	if err := s.guard(ctx, req.ConnectionID, req.Force); err != nil {
		return nil, err
	}
	if err := s.begin(ctx, req.ConnectionID, req.Force); err != nil {
		return nil, err
	}

	doc, err := s.trainer.Train(ctx, req.ConnectionID, req.options(), nil)
	if err != nil {
		s.persistFailure(req.ConnectionID, err)
		return nil, sanitize(err)
	}
	if err := s.persistDocument(req.ConnectionID, doc); err != nil {
		return nil, err
	}
	return s.schemas.GetSchemaCache(ctx, req.ConnectionID)
}

// guard applies the in-progress and freshness policies. Force skips both.
func (s *Service) guard(ctx context.Context, connectionID uuid.UUID, force bool) error {
	if force {
		return nil
	}
	rec, err := s.guardReads.GetSchemaCache(ctx, connectionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load schema cache: %w", err)
	}

	now := s.now()
	if rec.TrainingStatus == models.TrainingStatusTraining &&
		(rec.TrainingStartedAt == nil || now.Sub(*rec.TrainingStartedAt) < s.cfg.StuckAfter) {
		return ErrTrainingInProgress
	}
	if rec.LastTrainedAt != nil && now.Sub(*rec.LastTrainedAt) < s.cfg.FreshnessWindow {
		return ErrRecentlyTrained
	}
	return nil
}

func (s *Service) checkConnection(ctx context.Context, connectionID uuid.UUID) error {
	conn, err := s.connections.GetConnection(ctx, connectionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !conn.IsActive) {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	if err != nil {
		return fmt.Errorf("load connection: %w", err)
	}
	return nil
}

func (s *Service) begin(ctx context.Context, connectionID uuid.UUID, force bool) error {
	stuckBefore := s.now().Add(-s.cfg.StuckAfter)
	if err := s.schemas.BeginTraining(ctx, connectionID, force, stuckBefore); err != nil {
		if errors.Is(err, store.ErrTrainingInProgress) {
			return ErrTrainingInProgress
		}
		return fmt.Errorf("begin training: %w", err)
	}
	return nil
}

// Persistence runs on its own context so a cancelled or expired run still
// records its outcome.
func (s *Service) persistDocument(connectionID uuid.UUID, doc *models.SchemaData) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.schemas.UpsertSchemaDocument(ctx, connectionID, doc, models.TrainingStatusCompleted); err != nil {
		return fmt.Errorf("save schema document: %w", err)
	}
	return nil
}

func (s *Service) persistFailure(connectionID uuid.UUID, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	slog.Error("schema training failed", "connection_id", connectionID, "error", cause)
	err := s.schemas.UpsertTrainingStatus(ctx, connectionID, models.TrainingStatusFailed,
		store.WithErrorMessage(UserMessage(cause)))
	if err != nil {
		slog.Error("failed to record training failure", "connection_id", connectionID, "error", err)
	}
}

func uniquenessKey(connectionID uuid.UUID) string {
	return string(models.JobTypeSchemaRebuild) + ":" + connectionID.String()
}
