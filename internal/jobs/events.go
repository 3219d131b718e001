package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/schemaforge/internal/notify"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

type eventOption func(*notify.Event)

func withProgress(pct int) eventOption {
	return func(e *notify.Event) { e.Progress = &pct }
}

func withResult(result any) eventOption {
	return func(e *notify.Event) { e.Result = result }
}

func withError(msg string) eventOption {
	return func(e *notify.Event) { e.Error = msg }
}

func withRetryAt(at time.Time) eventOption {
	return func(e *notify.Event) { e.RetryAt = &at }
}

// emit publishes a lifecycle event to the job's channel and, when the job
// has one, to its principal's channel. Publish failures never affect the job.
func (q *Queue) emit(ctx context.Context, job *models.Job, kind notify.Kind, opts ...eventOption) {
	if q.publisher == nil {
		return
	}

	ev := notify.Event{
		JobID:     job.ID.String(),
		Type:      string(job.Type),
		Event:     kind,
		Timestamp: q.now().UTC(),
	}
	for _, opt := range opts {
		opt(&ev)
	}

	channels := []string{notify.JobChannel(job.ID)}
	if job.PrincipalID != nil {
		channels = append(channels, notify.UserChannel(*job.PrincipalID))
	}
	for _, ch := range channels {
		if err := q.publisher.Publish(ctx, ch, ev); err != nil {
			slog.Warn("failed to publish job event",
				"job_id", job.ID,
				"channel", ch,
				"event", kind,
				"error", err,
			)
		}
	}
}
