package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const retrainRunTimeout = 5 * time.Minute

// StaleLister finds connections due for retraining.
type StaleLister interface {
	ListStaleConnections(ctx context.Context, maxAge time.Duration) ([]uuid.UUID, error)
}

// Requester starts async training. *Service satisfies it.
type Requester interface {
	RequestTraining(ctx context.Context, req Request) (*Response, error)
}

// RetrainScheduler periodically requests training for stale connections.
type RetrainScheduler struct {
	requester Requester
	stale     StaleLister
	maxAge    time.Duration
	schedule  string
	cron      *cron.Cron
}

// NewRetrainScheduler validates the standard five-field cron schedule.
func NewRetrainScheduler(requester Requester, stale StaleLister, schedule string, maxAge time.Duration) (*RetrainScheduler, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse retrain schedule %q: %w", schedule, err)
	}
	return &RetrainScheduler{
		requester: requester,
		stale:     stale,
		maxAge:    maxAge,
		schedule:  schedule,
		cron:      cron.New(),
	}, nil
}

func (r *RetrainScheduler) Start() error {
	_, err := r.cron.AddFunc(r.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), retrainRunTimeout)
		defer cancel()
		if _, err := r.RunOnce(ctx); err != nil {
			slog.Error("retrain sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule retrain sweep: %w", err)
	}
	r.cron.Start()
	slog.Info("retrain scheduler started", "schedule", r.schedule, "max_age", r.maxAge)
	return nil
}

// Stop prevents new sweeps and waits for a running one until ctx is done.
func (r *RetrainScheduler) Stop(ctx context.Context) error {
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce requests training for every stale connection and returns how
// many were queued. Connections refused by the guards are skipped.
func (r *RetrainScheduler) RunOnce(ctx context.Context) (int, error) {
	ids, err := r.stale.ListStaleConnections(ctx, r.maxAge)
	if err != nil {
		return 0, fmt.Errorf("list stale connections: %w", err)
	}

	requested := 0
	for _, id := range ids {
		resp, err := r.requester.RequestTraining(ctx, Request{ConnectionID: id})
		switch {
		case errors.Is(err, ErrRecentlyTrained), errors.Is(err, ErrTrainingInProgress):
			continue
		case err != nil:
			slog.Warn("retrain request failed", "connection_id", id, "error", err)
			continue
		}
		requested++
		slog.Debug("retrain requested", "connection_id", id, "job_id", resp.JobID)
	}

	slog.Info("retrain sweep finished", "stale", len(ids), "requested", requested)
	return requested, nil
}
