package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/schemaforge/internal/notify"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fastPoll = 5 * time.Millisecond

type testQueue struct {
	*Queue
	store   *memStore
	pub     *recordingPublisher
	clock   *fakeClock
	metrics *Metrics
}

func newTestQueue(t *testing.T) *testQueue {
	t.Helper()
	ms := newMemStore()
	pub := &recordingPublisher{}
	clock := newFakeClock()
	metrics := NewMetrics(prometheus.NewRegistry())
	q := New(ms, pub, WithClock(clock.Now), WithMetrics(metrics), WithSweepInterval(time.Hour))
	t.Cleanup(func() { _ = q.Stop(false, time.Second) })
	return &testQueue{Queue: q, store: ms, pub: pub, clock: clock, metrics: metrics}
}

func (tq *testQueue) waitFor(t *testing.T, id uuid.UUID, cond func(*models.Job) bool) *models.Job {
	t.Helper()
	var last *models.Job
	require.Eventually(t, func() bool {
		j, err := tq.store.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		last = j
		return cond(j)
	}, 3*time.Second, 2*time.Millisecond)
	return last
}

func inState(state models.JobState) func(*models.Job) bool {
	return func(j *models.Job) bool { return j.State == state }
}

func TestNextDelay(t *testing.T) {
	tests := []struct {
		name       string
		backoff    bool
		retryCount int
		want       time.Duration
	}{
		{"first retry", true, 0, 60 * time.Second},
		{"second retry", true, 1, 120 * time.Second},
		{"third retry", true, 2, 240 * time.Second},
		{"no backoff stays flat", false, 2, 60 * time.Second},
		{"shift is capped", true, 200, 60 * time.Second << maxBackoffShift},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &models.Job{RetryDelaySeconds: 60, RetryBackoff: tt.backoff, RetryCount: tt.retryCount}
			assert.Equal(t, tt.want, NextDelay(job))
		})
	}
}

func TestEnqueue_UnknownType(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), "reindex-everything", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.True(t, IsPermanent(err))
}

func TestEnqueue_UnserializablePayload(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), models.JobTypeDataExport, map[string]any{"ch": make(chan int)}, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEnqueue_AppliesPolicy(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, models.JobTypeSchemaRebuild, map[string]string{"connection_id": "c1"}, nil)
	require.NoError(t, err)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCreated, job.State)
	assert.Equal(t, 10, job.Priority)
	assert.Equal(t, 3, job.RetryLimit)
	assert.Equal(t, 60, job.RetryDelaySeconds)
	assert.True(t, job.RetryBackoff)
	assert.Equal(t, 86400, job.ExpireAfterSeconds)
	assert.JSONEq(t, `{"connection_id":"c1"}`, string(job.Payload))

	limit, delay := 0, 5*time.Second
	id, err = q.Enqueue(ctx, models.JobTypeBulkImport, nil, &Options{RetryLimit: &limit, RetryDelay: &delay})
	require.NoError(t, err)
	job, err = q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, job.RetryLimit)
	assert.Equal(t, 5, job.RetryDelaySeconds)
	assert.False(t, job.RetryBackoff)

	negative := -1
	_, err = q.Enqueue(ctx, models.JobTypeBulkImport, nil, &Options{RetryLimit: &negative})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEnqueue_UniquenessKeyIsIdempotent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	opts := &Options{UniquenessKey: "schema-rebuild:c1"}

	first, err := q.Enqueue(ctx, models.JobTypeSchemaRebuild, nil, opts)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, models.JobTypeSchemaRebuild, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []notify.Kind{notify.KindCreated}, kinds(q.pub.on(notify.JobChannel(first))))

	q.store.setState(first, models.JobStateActive)
	third, err := q.Enqueue(ctx, models.JobTypeSchemaRebuild, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, first, third)

	q.store.setState(first, models.JobStateCompleted)
	fourth, err := q.Enqueue(ctx, models.JobTypeSchemaRebuild, nil, opts)
	require.NoError(t, err)
	assert.NotEqual(t, first, fourth)
}

func TestEnqueueJob_ReportsCreated(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	opts := &Options{UniquenessKey: "schema-rebuild:c2"}

	first, created, err := q.EnqueueJob(ctx, models.JobTypeSchemaRebuild, nil, opts)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := q.EnqueueJob(ctx, models.JobTypeSchemaRebuild, nil, opts)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, again)

	q.store.setState(first, models.JobStateFailed)
	next, created, err := q.EnqueueJob(ctx, models.JobTypeSchemaRebuild, nil, opts)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first, next)
}

func TestRegisterWorker_Validation(t *testing.T) {
	q := newTestQueue(t)
	noop := func(context.Context, *models.Job, ProgressFunc) (any, error) { return nil, nil }

	assert.ErrorIs(t, q.RegisterWorker("unknown", noop, WorkerOptions{}), ErrUnknownType)
	require.NoError(t, q.RegisterWorker(models.JobTypeDataExport, noop, WorkerOptions{}))
	assert.ErrorIs(t, q.RegisterWorker(models.JobTypeDataExport, noop, WorkerOptions{}), ErrValidation)
}

func TestQueue_CompletesWithProgressAndEvents(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	handler := func(_ context.Context, job *models.Job, progress ProgressFunc) (any, error) {
		progress(20)
		progress(10)
		progress(20)
		progress(150)
		return map[string]int{"total_tables": 2}, nil
	}
	require.NoError(t, q.RegisterWorker(models.JobTypeSchemaRebuild, handler, WorkerOptions{PollInterval: fastPoll}))

	principal := uuid.New()
	id, err := q.Enqueue(ctx, models.JobTypeSchemaRebuild, nil, &Options{PrincipalID: &principal})
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))

	job := q.waitFor(t, id, inState(models.JobStateCompleted))
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assert.JSONEq(t, `{"result":{"total_tables":2}}`, string(job.Output))

	require.Eventually(t, func() bool {
		evs := q.pub.on(notify.JobChannel(id))
		return len(evs) > 0 && evs[len(evs)-1].Event == notify.KindCompleted
	}, time.Second, 2*time.Millisecond)

	events := q.pub.on(notify.JobChannel(id))
	assert.Equal(t, []notify.Kind{
		notify.KindCreated, notify.KindStarted, notify.KindProgress, notify.KindProgress, notify.KindCompleted,
	}, kinds(events))
	assert.Equal(t, 20, *events[2].Progress)
	assert.Equal(t, 100, *events[3].Progress)
	assert.Equal(t, map[string]int{"total_tables": 2}, events[4].Result)
	for _, e := range events {
		assert.Equal(t, id.String(), e.JobID)
		assert.Equal(t, "schema-rebuild", e.Type)
		assert.False(t, e.Timestamp.IsZero())
	}

	assert.Equal(t, kinds(events), kinds(q.pub.on(notify.UserChannel(principal))))
	var m dto.Metric
	require.NoError(t, q.metrics.processed.WithLabelValues("schema-rebuild", outcomeCompleted).Write(&m))
	assert.Equal(t, float64(1), m.GetCounter().GetValue())
}

func TestQueue_RetryBackoffThenTerminalFailure(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var calls atomic.Int32
	handler := func(context.Context, *models.Job, ProgressFunc) (any, error) {
		calls.Add(1)
		return nil, errors.New("target unreachable")
	}
	require.NoError(t, q.RegisterWorker(models.JobTypeSchemaRebuild, handler, WorkerOptions{PollInterval: fastPoll}))
	require.NoError(t, q.Start(ctx))

	id, err := q.Enqueue(ctx, models.JobTypeSchemaRebuild, nil, nil)
	require.NoError(t, err)

	var delays []time.Duration
	for retry := 1; retry <= 3; retry++ {
		job := q.waitFor(t, id, func(j *models.Job) bool {
			return j.State == models.JobStateRetry && j.RetryCount == retry
		})
		delays = append(delays, job.StartAfter.Sub(q.clock.Now()))

		// Not claimable before its start time.
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(retry), calls.Load())

		q.clock.Advance(job.StartAfter.Sub(q.clock.Now()))
	}
	assert.Equal(t, []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}, delays)

	job := q.waitFor(t, id, inState(models.JobStateFailed))
	assert.Equal(t, 3, job.RetryCount)
	assert.Equal(t, int32(4), calls.Load())

	var out models.JobOutput
	require.NoError(t, json.Unmarshal(job.Output, &out))
	assert.Equal(t, "target unreachable", out.Error)

	require.Eventually(t, func() bool {
		failed := 0
		for _, e := range q.pub.on(notify.JobChannel(id)) {
			if e.Event == notify.KindFailed {
				failed++
			}
		}
		return failed == 4
	}, time.Second, 2*time.Millisecond)

	var failures []notify.Event
	for _, e := range q.pub.on(notify.JobChannel(id)) {
		if e.Event == notify.KindFailed {
			failures = append(failures, e)
		}
	}
	for _, e := range failures[:3] {
		require.NotNil(t, e.RetryAt)
		assert.Equal(t, "target unreachable", e.Error)
	}
	assert.Nil(t, failures[3].RetryAt)
	assert.Equal(t, "target unreachable", failures[3].Error)
}

func TestQueue_PermanentErrorSkipsRetries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var calls atomic.Int32
	handler := func(context.Context, *models.Job, ProgressFunc) (any, error) {
		calls.Add(1)
		return nil, Permanent(errors.New("connection not found"))
	}
	require.NoError(t, q.RegisterWorker(models.JobTypeSchemaRebuild, handler, WorkerOptions{PollInterval: fastPoll}))
	require.NoError(t, q.Start(ctx))

	id, err := q.Enqueue(ctx, models.JobTypeSchemaRebuild, nil, nil)
	require.NoError(t, err)

	job := q.waitFor(t, id, inState(models.JobStateFailed))
	assert.Equal(t, 0, job.RetryCount)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueue_HandlerPanicFailsAttempt(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	handler := func(context.Context, *models.Job, ProgressFunc) (any, error) {
		panic("nil map")
	}
	require.NoError(t, q.RegisterWorker(models.JobTypeBulkImport, handler, WorkerOptions{PollInterval: fastPoll}))
	require.NoError(t, q.Start(ctx))

	limit := 0
	id, err := q.Enqueue(ctx, models.JobTypeBulkImport, nil, &Options{RetryLimit: &limit})
	require.NoError(t, err)

	job := q.waitFor(t, id, inState(models.JobStateFailed))
	assert.Contains(t, string(job.Output), "handler panic: nil map")
}

func TestQueue_ErrorAfterExpiryIsTerminal(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	handler := func(context.Context, *models.Job, ProgressFunc) (any, error) {
		q.clock.Advance(3 * time.Hour)
		return nil, errors.New("slow target")
	}
	require.NoError(t, q.RegisterWorker(models.JobTypeAnalyticsReport, handler, WorkerOptions{PollInterval: fastPoll}))
	require.NoError(t, q.Start(ctx))

	id, err := q.Enqueue(ctx, models.JobTypeAnalyticsReport, nil, nil)
	require.NoError(t, err)

	job := q.waitFor(t, id, inState(models.JobStateFailed))
	assert.Equal(t, 0, job.RetryCount)
	assert.Contains(t, string(job.Output), ErrTimeout.Error())
}

func TestQueue_SweepExpiresUnfinishedJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	expire := time.Hour
	stale, err := q.Enqueue(ctx, models.JobTypeDataExport, nil, &Options{ExpireAfter: &expire})
	require.NoError(t, err)
	fresh, err := q.Enqueue(ctx, models.JobTypeDataExport, nil, nil)
	require.NoError(t, err)

	q.clock.Advance(2 * time.Hour)
	n, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := q.GetJob(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, job.State)
	assert.Contains(t, string(job.Output), ErrTimeout.Error())

	events := q.pub.on(notify.JobChannel(stale))
	require.Len(t, events, 2)
	assert.Equal(t, notify.KindFailed, events[1].Event)
	assert.Nil(t, events[1].RetryAt)

	job, err = q.GetJob(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCreated, job.State)
}

func TestQueue_CancelQueuedJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var calls atomic.Int32
	handler := func(context.Context, *models.Job, ProgressFunc) (any, error) {
		calls.Add(1)
		return nil, nil
	}
	require.NoError(t, q.RegisterWorker(models.JobTypeDataExport, handler, WorkerOptions{PollInterval: fastPoll}))
	require.NoError(t, q.Start(ctx))

	id, err := q.Enqueue(ctx, models.JobTypeDataExport, nil, &Options{StartAfter: q.clock.Now().Add(time.Minute)})
	require.NoError(t, err)

	job, err := q.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, job.State)

	// Cancelling a finished job is a no-op.
	job, err = q.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, job.State)

	q.clock.Advance(2 * time.Minute)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, []notify.Kind{notify.KindCreated, notify.KindCancelled}, kinds(q.pub.on(notify.JobChannel(id))))

	_, err = q.Cancel(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_CancelActiveJobDiscardsResult(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	handler := func(context.Context, *models.Job, ProgressFunc) (any, error) {
		close(entered)
		<-release
		return "done", nil
	}
	require.NoError(t, q.RegisterWorker(models.JobTypeDataExport, handler, WorkerOptions{PollInterval: fastPoll}))
	require.NoError(t, q.Start(ctx))

	id, err := q.Enqueue(ctx, models.JobTypeDataExport, nil, nil)
	require.NoError(t, err)
	<-entered

	_, err = q.Cancel(ctx, id)
	require.NoError(t, err)
	close(release)

	require.Eventually(t, func() bool { return q.InFlight() == 0 }, time.Second, 2*time.Millisecond)
	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, job.State)
	assert.NotContains(t, kinds(q.pub.on(notify.JobChannel(id))), notify.KindCompleted)
}

func TestMemStore_ConcurrentClaimAtMostOne(t *testing.T) {
	ms := newMemStore()
	now := time.Now()
	job := &models.Job{ID: uuid.New(), Type: models.JobTypeSchemaRebuild, StartAfter: now, CreatedAt: now, ExpireAfterSeconds: 60}
	_, _, err := ms.CreateJob(context.Background(), job)
	require.NoError(t, err)

	const pollers = 20
	var wg sync.WaitGroup
	var claimed atomic.Int32
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := ms.ClaimJob(context.Background(), models.JobTypeSchemaRebuild, now)
			if err == nil && j != nil {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), claimed.Load())
}

func TestQueue_EveryJobRunsOnceUnderConcurrency(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var mu sync.Mutex
	runs := make(map[uuid.UUID]int)
	handler := func(_ context.Context, job *models.Job, _ ProgressFunc) (any, error) {
		mu.Lock()
		runs[job.ID]++
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return nil, nil
	}
	require.NoError(t, q.RegisterWorker(models.JobTypeDataExport, handler, WorkerOptions{Concurrency: 8, PollInterval: fastPoll}))

	const total = 50
	ids := make([]uuid.UUID, total)
	for i := range ids {
		id, err := q.Enqueue(ctx, models.JobTypeDataExport, map[string]int{"n": i}, nil)
		require.NoError(t, err)
		ids[i] = id
	}
	require.NoError(t, q.Start(ctx))

	for _, id := range ids {
		q.waitFor(t, id, inState(models.JobStateCompleted))
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, runs, total)
	for id, n := range runs {
		assert.Equal(t, 1, n, fmt.Sprintf("job %s ran %d times", id, n))
	}
}

func TestQueue_GracefulStopDrainsInFlight(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	handler := func(context.Context, *models.Job, ProgressFunc) (any, error) {
		close(entered)
		<-release
		return nil, nil
	}
	require.NoError(t, q.RegisterWorker(models.JobTypeDataExport, handler, WorkerOptions{PollInterval: fastPoll}))
	require.NoError(t, q.Start(ctx))

	id, err := q.Enqueue(ctx, models.JobTypeDataExport, nil, nil)
	require.NoError(t, err)
	<-entered
	assert.Equal(t, int64(1), q.InFlight())

	stopped := make(chan error, 1)
	go func() { stopped <- q.Stop(true, 2*time.Second) }()

	select {
	case <-stopped:
		t.Fatal("stop returned before the handler finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCompleted, job.State)

	// No claims after stop.
	other, err := q.Enqueue(ctx, models.JobTypeDataExport, nil, nil)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	job, err = q.GetJob(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCreated, job.State)
}

func TestQueue_StopTimeoutCancelsHandlers(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	entered := make(chan struct{})
	handler := func(ctx context.Context, _ *models.Job, _ ProgressFunc) (any, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	require.NoError(t, q.RegisterWorker(models.JobTypeDataExport, handler, WorkerOptions{PollInterval: fastPoll}))
	require.NoError(t, q.Start(ctx))

	id, err := q.Enqueue(ctx, models.JobTypeDataExport, nil, nil)
	require.NoError(t, err)
	<-entered

	err = q.Stop(true, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrDrain)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRetry, job.State)
	assert.Equal(t, 1, job.RetryCount)
}

func TestQueue_IsolatedInstances(t *testing.T) {
	a, b := newTestQueue(t), newTestQueue(t)
	ctx := context.Background()

	var bCalls atomic.Int32
	require.NoError(t, b.RegisterWorker(models.JobTypeDataExport, func(context.Context, *models.Job, ProgressFunc) (any, error) {
		bCalls.Add(1)
		return nil, nil
	}, WorkerOptions{PollInterval: fastPoll}))
	require.NoError(t, b.Start(ctx))

	_, err := a.Enqueue(ctx, models.JobTypeDataExport, nil, nil)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), bCalls.Load())
}
