package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/schemaforge/internal/notify"
	"github.com/kiranshivaraju/schemaforge/internal/store"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

type worker struct {
	jobType  models.JobType
	handler  Handler
	opts     WorkerOptions
	inFlight atomic.Int64
}

// pollLoop is one executor. It drains every due job before sleeping and
// runs one handler at a time.
func (q *Queue) pollLoop(w *worker) {
	defer q.loops.Done()

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		for q.claimCtx.Err() == nil {
			job, err := q.store.ClaimJob(q.claimCtx, w.jobType, q.now().UTC())
			if err != nil {
				if !isShutdown(q.claimCtx, err) {
					slog.Error("failed to claim job", "job_type", w.jobType, "error", err)
				}
				break
			}
			if job == nil {
				break
			}
			q.process(w, job)
		}

		select {
		case <-q.claimCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *Queue) process(w *worker, job *models.Job) {
	log := slog.With("job_id", job.ID, "job_type", job.Type, "attempt", job.RetryCount+1)

	w.inFlight.Add(1)
	q.metrics.inFlight.WithLabelValues(string(job.Type)).Inc()
	defer func() {
		w.inFlight.Add(-1)
		q.metrics.inFlight.WithLabelValues(string(job.Type)).Dec()
	}()

	persistCtx, cancelPersist := context.WithTimeout(context.Background(), persistTimeout)
	q.emit(persistCtx, job, notify.KindStarted)
	cancelPersist()
	log.Info("job started")

	ctx, cancel := context.WithDeadline(q.handlerCtx, job.ExpiresAt())
	defer cancel()

	tracker := newProgressTracker(func(pct int) {
		pctx, pcancel := context.WithTimeout(context.Background(), persistTimeout)
		defer pcancel()
		q.emit(pctx, job, notify.KindProgress, withProgress(pct))
	})

	began := time.Now()
	result, err := runHandler(ctx, w.handler, job, tracker.report)
	tracker.stop()
	q.metrics.duration.WithLabelValues(string(job.Type)).Observe(time.Since(began).Seconds())

	persistCtx, cancelPersist = context.WithTimeout(context.Background(), persistTimeout)
	defer cancelPersist()

	if err == nil {
		q.complete(persistCtx, job, result, log)
		return
	}
	q.failAttempt(persistCtx, job, err, log)
}

// runHandler turns a handler panic into an attempt failure.
func runHandler(ctx context.Context, h Handler, job *models.Job, progress ProgressFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job handler panicked",
				"job_id", job.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job, progress)
}

func (q *Queue) complete(ctx context.Context, job *models.Job, result any, log *slog.Logger) {
	output, err := json.Marshal(models.JobOutput{Result: result})
	if err != nil {
		q.failAttempt(ctx, job, Permanent(fmt.Errorf("%w: result is not serializable: %v", ErrValidation, err)), log)
		return
	}

	if err := q.store.CompleteJob(ctx, job.ID, output, q.now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotActive) {
			log.Info("job left the active state while running, result discarded")
			return
		}
		log.Error("failed to record job completion", "error", err)
		return
	}

	q.metrics.processed.WithLabelValues(string(job.Type), outcomeCompleted).Inc()
	q.emit(ctx, job, notify.KindCompleted, withResult(result))
	log.Info("job completed")
}

// failAttempt retries the job while retries remain, otherwise fails it. Errors
// after the expiry deadline and permanent errors fail it at once.
func (q *Queue) failAttempt(ctx context.Context, job *models.Job, cause error, log *slog.Logger) {
	now := q.now().UTC()
	if !now.Before(job.ExpiresAt()) && !errors.Is(cause, ErrTimeout) {
		cause = fmt.Errorf("%w: %v", ErrTimeout, cause)
	}
	msg := cause.Error()
	output, _ := json.Marshal(models.JobOutput{Error: msg})

	if !IsPermanent(cause) && job.RetryCount < job.RetryLimit {
		delay := NextDelay(job)
		retryAt := now.Add(delay)
		if err := q.store.RetryJob(ctx, job.ID, retryAt, output, now); err != nil {
			q.logUpdateError(log, "retry", err)
			return
		}
		q.metrics.processed.WithLabelValues(string(job.Type), outcomeRetried).Inc()
		q.emit(ctx, job, notify.KindFailed, withError(msg), withRetryAt(retryAt))
		log.Warn("job attempt failed, retrying",
			"error", msg,
			"retry_count", job.RetryCount+1,
			"delay", delay,
			"retry_at", retryAt,
		)
		return
	}

	if err := q.store.FailJob(ctx, job.ID, output, now); err != nil {
		q.logUpdateError(log, "failure", err)
		return
	}
	q.metrics.processed.WithLabelValues(string(job.Type), outcomeFailed).Inc()
	q.emit(ctx, job, notify.KindFailed, withError(msg))
	log.Error("job failed", "error", msg, "retry_count", job.RetryCount)
}

func (q *Queue) logUpdateError(log *slog.Logger, what string, err error) {
	if errors.Is(err, store.ErrNotActive) {
		log.Info("job left the active state while running, " + what + " not recorded")
		return
	}
	log.Error("failed to record job "+what, "error", err)
}

// progressTracker enforces clamping and monotonicity for one attempt and
// drops reports made after the handler returned.
type progressTracker struct {
	mu      sync.Mutex
	last    int
	stopped bool
	emit    func(int)
}

func newProgressTracker(emit func(int)) *progressTracker {
	return &progressTracker{last: -1, emit: emit}
}

func (t *progressTracker) report(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || pct <= t.last {
		return
	}
	t.last = pct
	t.emit(pct)
}

func (t *progressTracker) stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}
