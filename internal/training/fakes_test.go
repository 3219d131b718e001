package training

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/schemaforge/internal/jobs"
	"github.com/kiranshivaraju/schemaforge/internal/schema"
	"github.com/kiranshivaraju/schemaforge/internal/store"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memSchemaStore mirrors the conditional semantics of the Postgres store.
type memSchemaStore struct {
	mu      sync.Mutex
	clock   *testClock
	records map[uuid.UUID]*models.SchemaCacheRecord
}

func newMemSchemaStore(clock *testClock) *memSchemaStore {
	return &memSchemaStore{clock: clock, records: make(map[uuid.UUID]*models.SchemaCacheRecord)}
}

func (s *memSchemaStore) record(id uuid.UUID) *models.SchemaCacheRecord {
	rec, ok := s.records[id]
	if !ok {
		rec = &models.SchemaCacheRecord{ConnectionID: id, TrainingStatus: models.TrainingStatusPending}
		s.records[id] = rec
	}
	return rec
}

func (s *memSchemaStore) GetSchemaCache(_ context.Context, id uuid.UUID) (*models.SchemaCacheRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memSchemaStore) UpsertTrainingStatus(_ context.Context, id uuid.UUID, status models.TrainingStatus, opts ...store.StatusOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	params := store.ApplyStatusOptions(opts...)
	rec, exists := s.records[id]
	if exists && params.UnlessTraining && rec.TrainingStatus == models.TrainingStatusTraining {
		return nil
	}
	if exists && !store.ValidTrainingTransition(rec.TrainingStatus, status) {
		return store.ErrInvalidTransition
	}
	rec = s.record(id)
	rec.TrainingStatus = status
	rec.ErrorMessage = nil
	if status == models.TrainingStatusFailed {
		rec.ErrorMessage = params.ErrorMessage
	}
	return nil
}

func (s *memSchemaStore) UpsertSchemaDocument(_ context.Context, id uuid.UUID, doc *models.SchemaData, status models.TrainingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(id)
	rec.TrainingStatus = status
	rec.SchemaData = doc
	if status == models.TrainingStatusCompleted {
		now := s.clock.Now()
		rec.LastTrainedAt = &now
		rec.ErrorMessage = nil
	}
	return nil
}

func (s *memSchemaStore) DeleteSchemaCache(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *memSchemaStore) ListStaleConnections(context.Context, time.Duration) ([]uuid.UUID, error) {
	return nil, nil
}

func (s *memSchemaStore) BeginTraining(_ context.Context, id uuid.UUID, force bool, stuckBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(id)
	if rec.TrainingStatus == models.TrainingStatusTraining && !force &&
		rec.TrainingStartedAt != nil && rec.TrainingStartedAt.After(stuckBefore) {
		return store.ErrTrainingInProgress
	}
	now := s.clock.Now()
	rec.TrainingStatus = models.TrainingStatusTraining
	rec.TrainingStartedAt = &now
	rec.ErrorMessage = nil
	return nil
}

type fakeConnections struct {
	conns map[uuid.UUID]*models.Connection
}

func (f *fakeConnections) GetConnection(_ context.Context, id uuid.UUID) (*models.Connection, error) {
	c, ok := f.conns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

type fakeTrainer struct {
	mu    sync.Mutex
	calls int
	err   error
	steps []int
}

func (f *fakeTrainer) Train(_ context.Context, _ uuid.UUID, _ schema.Options, progress schema.ProgressFunc) (*models.SchemaData, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, p := range f.steps {
		if progress != nil {
			progress(p)
		}
	}
	return &models.SchemaData{
		Schemas:      []models.SchemaMetadata{{Name: "public"}},
		TotalTables:  2,
		TotalColumns: 4,
		DatabaseType: models.DatabaseTypePostgres,
		TrainedAt:    time.Now().UTC(),
	}, nil
}

type enqueued struct {
	jobType models.JobType
	payload []byte
	opts    jobs.Options
}

// fakeQueue dedups on uniqueness key like the real queue.
type fakeQueue struct {
	mu       sync.Mutex
	jobs     []enqueued
	byKey    map[string]uuid.UUID
	handlers map[models.JobType]jobs.Handler
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{byKey: map[string]uuid.UUID{}, handlers: map[models.JobType]jobs.Handler{}}
}

func (q *fakeQueue) EnqueueJob(_ context.Context, jobType models.JobType, payload any, opts *jobs.Options) (uuid.UUID, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if id, ok := q.byKey[opts.UniquenessKey]; ok {
		return id, false, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, false, err
	}
	id := uuid.New()
	q.byKey[opts.UniquenessKey] = id
	q.jobs = append(q.jobs, enqueued{jobType: jobType, payload: data, opts: *opts})
	return id, true, nil
}

func (q *fakeQueue) RegisterWorker(jobType models.JobType, handler jobs.Handler, _ jobs.WorkerOptions) error {
	q.handlers[jobType] = handler
	return nil
}
