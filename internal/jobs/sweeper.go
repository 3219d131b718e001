package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/schemaforge/internal/notify"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

func (q *Queue) sweepLoop() {
	defer q.loops.Done()

	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()

	for {
		if _, err := q.Sweep(q.claimCtx); err != nil && !isShutdown(q.claimCtx, err) {
			slog.Error("expiry sweep failed", "error", err)
		}

		select {
		case <-q.claimCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep fails every unfinished job past its expiry window regardless of
// remaining retries. It returns the number of jobs expired.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	output, err := json.Marshal(models.JobOutput{Error: ErrTimeout.Error()})
	if err != nil {
		return 0, fmt.Errorf("encode expiry output: %w", err)
	}

	expired, err := q.store.ExpireJobs(ctx, q.now().UTC(), output)
	if err != nil {
		return 0, fmt.Errorf("expire jobs: %w", err)
	}

	for _, job := range expired {
		q.metrics.processed.WithLabelValues(string(job.Type), outcomeExpired).Inc()
		q.emit(ctx, job, notify.KindFailed, withError(ErrTimeout.Error()))
		slog.Warn("job expired",
			"job_id", job.ID,
			"job_type", job.Type,
			"created_at", job.CreatedAt,
			"expire_after_seconds", job.ExpireAfterSeconds,
		)
	}
	return len(expired), nil
}
