// Package jobs is a durable typed work queue backed by the jobs table.
// Workers poll for due jobs, claim them atomically and retry failures with
// per-type backoff. Every state change is published as a lifecycle event.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/schemaforge/internal/notify"
	"github.com/kiranshivaraju/schemaforge/internal/store"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

const (
	defaultPollInterval  = 2 * time.Second
	defaultSweepInterval = time.Minute
	persistTimeout       = 10 * time.Second
)

// ProgressFunc reports completion percentage of the running attempt. Values
// are clamped to [0,100]; values lower than the last reported are dropped.
type ProgressFunc func(percentage int)

// Handler executes one attempt of a job. The returned value becomes the
// job's result; an error fails the attempt.
type Handler func(ctx context.Context, job *models.Job, progress ProgressFunc) (any, error)

type WorkerOptions struct {
	Concurrency  int
	PollInterval time.Duration
}

type Option func(*Queue)

func WithMetrics(m *Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithClock replaces time.Now for scheduling decisions.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.sweepInterval = d
		}
	}
}

// Queue is one isolated job queue. Several may share a store.
type Queue struct {
	store         store.JobStore
	publisher     notify.Publisher
	metrics       *Metrics
	now           func() time.Time
	sweepInterval time.Duration

	mu      sync.Mutex
	workers map[models.JobType]*worker
	running bool

	claimCtx       context.Context
	stopClaims     context.CancelFunc
	handlerCtx     context.Context
	cancelHandlers context.CancelFunc
	loops          sync.WaitGroup
}

// New creates a queue. A nil publisher disables lifecycle events.
func New(js store.JobStore, publisher notify.Publisher, opts ...Option) *Queue {
	q := &Queue{
		store:         js,
		publisher:     publisher,
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
		workers:       make(map[models.JobType]*worker),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.metrics == nil {
		q.metrics = NewMetrics(nil)
	}
	return q
}

// Enqueue stores a new job and returns its id. With a uniqueness key that
// matches a queued or running job, the existing id is returned instead.
func (q *Queue) Enqueue(ctx context.Context, jobType models.JobType, payload any, opts *Options) (uuid.UUID, error) {
	id, _, err := q.EnqueueJob(ctx, jobType, payload, opts)
	return id, err
}

// EnqueueJob is Enqueue that also reports whether a new job was stored,
// as opposed to an existing one matched by uniqueness key.
func (q *Queue) EnqueueJob(ctx context.Context, jobType models.JobType, payload any, opts *Options) (uuid.UUID, bool, error) {
	policy, err := PolicyFor(jobType)
	if err != nil {
		return uuid.Nil, false, err
	}
	policy, err = opts.apply(policy)
	if err != nil {
		return uuid.Nil, false, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("%w: payload is not serializable: %v", ErrValidation, err)
	}

	now := q.now().UTC()
	job := &models.Job{
		ID:                 uuid.New(),
		Type:               jobType,
		Payload:            data,
		Priority:           policy.Priority,
		RetryLimit:         policy.RetryLimit,
		RetryDelaySeconds:  int(policy.RetryDelay / time.Second),
		RetryBackoff:       policy.RetryBackoff,
		ExpireAfterSeconds: int(policy.ExpireAfter / time.Second),
		State:              models.JobStateCreated,
		StartAfter:         now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if opts != nil {
		if opts.UniquenessKey != "" {
			key := opts.UniquenessKey
			job.UniquenessKey = &key
		}
		job.PrincipalID = opts.PrincipalID
		if opts.StartAfter.After(now) {
			job.StartAfter = opts.StartAfter.UTC()
		}
	}

	id, created, err := q.store.CreateJob(ctx, job)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("create job: %w", err)
	}
	if !created {
		slog.Debug("job already queued for uniqueness key", "job_id", id, "job_type", jobType)
		return id, false, nil
	}

	q.metrics.enqueued.WithLabelValues(string(jobType)).Inc()
	q.emit(ctx, job, notify.KindCreated)
	slog.Info("job enqueued", "job_id", id, "job_type", jobType)
	return id, true, nil
}

func (q *Queue) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// Cancel stops a queued or running job from being claimed or retried again.
// A running handler is not interrupted. Cancelling a finished job is a no-op.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, changed, err := q.store.CancelJob(ctx, id, q.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("cancel job %s: %w", id, err)
	}
	if changed {
		q.metrics.processed.WithLabelValues(string(job.Type), outcomeCancelled).Inc()
		q.emit(ctx, job, notify.KindCancelled)
		slog.Info("job cancelled", "job_id", id, "job_type", job.Type)
	}
	return job, nil
}

// RegisterWorker attaches a handler to a job type. Workers registered while
// the queue is running start polling immediately.
func (q *Queue) RegisterWorker(jobType models.JobType, handler Handler, opts WorkerOptions) error {
	if _, err := PolicyFor(jobType); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrValidation, jobType)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.workers[jobType]; exists {
		return fmt.Errorf("%w: worker for %s already registered", ErrValidation, jobType)
	}
	w := &worker{jobType: jobType, handler: handler, opts: opts}
	q.workers[jobType] = w
	if q.running {
		q.startWorker(w)
	}
	return nil
}

// Start launches the poll loops of every registered worker and the expiry
// sweeper. Handlers keep running after ctx is cancelled until Stop.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return nil
	}
	q.claimCtx, q.stopClaims = context.WithCancel(ctx)
	q.handlerCtx, q.cancelHandlers = context.WithCancel(context.WithoutCancel(ctx))
	q.running = true

	for _, w := range q.workers {
		q.startWorker(w)
	}
	q.loops.Add(1)
	go q.sweepLoop()

	slog.Info("job queue started", "workers", len(q.workers))
	return nil
}

func (q *Queue) startWorker(w *worker) {
	for i := 0; i < w.opts.Concurrency; i++ {
		q.loops.Add(1)
		go q.pollLoop(w)
	}
	slog.Info("worker registered",
		"job_type", w.jobType,
		"concurrency", w.opts.Concurrency,
		"poll_interval", w.opts.PollInterval,
	)
}

// Stop ends claiming. With graceful set it waits up to timeout for running
// handlers before cancelling their contexts; otherwise it cancels them at once.
func (q *Queue) Stop(graceful bool, timeout time.Duration) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	q.stopClaims()
	q.mu.Unlock()

	if !graceful {
		q.cancelHandlers()
	}

	done := make(chan struct{})
	go func() {
		q.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancelHandlers()
		slog.Info("job queue stopped")
		return nil
	case <-time.After(timeout):
	}

	slog.Warn("job queue drain timed out, cancelling handlers", "in_flight", q.InFlight())
	q.cancelHandlers()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Error("handlers ignored cancellation", "in_flight", q.InFlight())
	}
	return ErrDrain
}

// InFlight is the number of handlers currently executing.
func (q *Queue) InFlight() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int64
	for _, w := range q.workers {
		n += w.inFlight.Load()
	}
	return n
}

func isShutdown(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
