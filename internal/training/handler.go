package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/schemaforge/internal/jobs"
	"github.com/kiranshivaraju/schemaforge/internal/schema"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

// Progress checkpoints around the engine's [10,90] range.
const (
	progressSetup     = 5
	progressPersisted = 100
)

type rebuildPayload struct {
	ConnectionID uuid.UUID      `json:"connection_id"`
	Force        bool           `json:"force"`
	Options      schema.Options `json:"options"`
}

// RebuildResult is the job result of a completed rebuild. The document
// itself lives in the schema cache.
type RebuildResult struct {
	ConnectionID uuid.UUID `json:"connection_id"`
	TotalTables  int       `json:"total_tables"`
	TotalColumns int       `json:"total_columns"`
	Warnings     int       `json:"warnings"`
	TrainedAt    time.Time `json:"trained_at"`
}

// HandleSchemaRebuild is the schema-rebuild job handler.
func (s *Service) HandleSchemaRebuild(ctx context.Context, job *models.Job, progress jobs.ProgressFunc) (any, error) {
	var p rebuildPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.ConnectionID == uuid.Nil {
		if err == nil {
			err = errors.New("missing connection_id")
		}
		return nil, fmt.Errorf("%w: decode schema-rebuild payload: %v", jobs.ErrValidation, err)
	}
	log := slog.With("job_id", job.ID, "connection_id", p.ConnectionID, "attempt", job.RetryCount+1)

	progress(0)
	// A retry takes over the record its own earlier attempt may have left
	// in training.
	if err := s.begin(ctx, p.ConnectionID, p.Force || job.RetryCount > 0); err != nil {
		if errors.Is(err, ErrTrainingInProgress) {
			return nil, jobs.Permanent(sanitize(err))
		}
		return nil, err
	}
	progress(progressSetup)

	doc, err := s.trainer.Train(ctx, p.ConnectionID, p.Options, schema.ProgressFunc(progress))
	if err != nil {
		s.persistFailure(p.ConnectionID, err)
		if errors.Is(err, ErrConnectionNotFound) {
			return nil, jobs.Permanent(sanitize(err))
		}
		return nil, sanitize(err)
	}

	if err := s.persistDocument(p.ConnectionID, doc); err != nil {
		s.persistFailure(p.ConnectionID, err)
		return nil, sanitize(err)
	}
	progress(progressPersisted)

	log.Info("schema rebuild stored", "tables", doc.TotalTables, "warnings", len(doc.Warnings))
	return RebuildResult{
		ConnectionID: p.ConnectionID,
		TotalTables:  doc.TotalTables,
		TotalColumns: doc.TotalColumns,
		Warnings:     len(doc.Warnings),
		TrainedAt:    doc.TrainedAt,
	}, nil
}
