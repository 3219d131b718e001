package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/schemaforge/internal/notify"
	"github.com/kiranshivaraju/schemaforge/internal/store"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

// memStore is an in-memory store.JobStore with the same conditional update
// semantics as the Postgres implementation.
type memStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
}

var _ store.JobStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*models.Job)}
}

func live(s models.JobState) bool {
	return s == models.JobStateCreated || s == models.JobStateRetry || s == models.JobStateActive
}

func (m *memStore) CreateJob(_ context.Context, job *models.Job) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.UniquenessKey != nil {
		for _, j := range m.jobs {
			if j.UniquenessKey != nil && *j.UniquenessKey == *job.UniquenessKey && live(j.State) {
				return j.ID, false, nil
			}
		}
	}
	cp := *job
	cp.State = models.JobStateCreated
	m.jobs[cp.ID] = &cp
	return cp.ID, true, nil
}

func (m *memStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) ClaimJob(_ context.Context, jobType models.JobType, now time.Time) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*models.Job
	for _, j := range m.jobs {
		if j.Type == jobType && j.State.Claimable() && !j.StartAfter.After(now) {
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(a, b int) bool {
		if due[a].Priority != due[b].Priority {
			return due[a].Priority > due[b].Priority
		}
		return due[a].CreatedAt.Before(due[b].CreatedAt)
	})

	j := due[0]
	j.State = models.JobStateActive
	started := now
	j.StartedAt = &started
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func (m *memStore) activeJob(id uuid.UUID) (*models.Job, error) {
	j, ok := m.jobs[id]
	if !ok || j.State != models.JobStateActive {
		return nil, store.ErrNotActive
	}
	return j, nil
}

func (m *memStore) CompleteJob(_ context.Context, id uuid.UUID, output []byte, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.activeJob(id)
	if err != nil {
		return err
	}
	j.State = models.JobStateCompleted
	j.Output = output
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (m *memStore) RetryJob(_ context.Context, id uuid.UUID, startAfter time.Time, output []byte, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.activeJob(id)
	if err != nil {
		return err
	}
	j.State = models.JobStateRetry
	j.RetryCount++
	j.StartAfter = startAfter
	j.Output = output
	j.UpdatedAt = now
	return nil
}

func (m *memStore) FailJob(_ context.Context, id uuid.UUID, output []byte, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.activeJob(id)
	if err != nil {
		return err
	}
	j.State = models.JobStateFailed
	j.Output = output
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (m *memStore) CancelJob(_ context.Context, id uuid.UUID, now time.Time) (*models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if !live(j.State) {
		cp := *j
		return &cp, false, nil
	}
	j.State = models.JobStateCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
	cp := *j
	return &cp, true, nil
}

func (m *memStore) ExpireJobs(_ context.Context, now time.Time, output []byte) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*models.Job
	for _, j := range m.jobs {
		if live(j.State) && !j.ExpiresAt().After(now) {
			j.State = models.JobStateFailed
			j.Output = output
			j.CompletedAt = &now
			j.UpdatedAt = now
			cp := *j
			expired = append(expired, &cp)
		}
	}
	return expired, nil
}

// setState forces a state, for arranging test preconditions.
func (m *memStore) setState(id uuid.UUID, state models.JobState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].State = state
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type published struct {
	channel string
	event   notify.Event
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, event notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{channel: channel, event: event})
	return nil
}

func (p *recordingPublisher) on(channel string) []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []notify.Event
	for _, e := range p.events {
		if e.channel == channel {
			out = append(out, e.event)
		}
	}
	return out
}

func kinds(events []notify.Event) []notify.Kind {
	out := make([]notify.Kind, len(events))
	for i, e := range events {
		out[i] = e.Event
	}
	return out
}
