// Package notify fans job lifecycle events out to subscribers keyed by channel.
// Delivery is best effort and at most once per connected subscriber; there is
// no replay for late subscribers.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind is the lifecycle event name carried in every frame.
type Kind string

const (
	KindCreated   Kind = "created"
	KindStarted   Kind = "started"
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindCancelled Kind = "cancelled"
)

// Event is the wire frame delivered to subscribers. Field names are part of
// the public stream contract.
type Event struct {
	JobID     string     `json:"jobId"`
	Type      string     `json:"type"`
	Event     Kind       `json:"event"`
	Progress  *int       `json:"progress,omitempty"`
	Result    any        `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	RetryAt   *time.Time `json:"retryAt,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// UserChannel is the channel of every job a principal originated.
func UserChannel(principalID uuid.UUID) string {
	return "user:" + principalID.String()
}

// JobChannel is the channel dedicated to a single job.
func JobChannel(jobID uuid.UUID) string {
	return "job:" + jobID.String()
}

// Publisher sends an event to one channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, event Event) error
}

// Subscriber returns a stream of events for one channel. The returned channel
// is closed when the subscription ends; cleanup must be called by the caller.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, opts ...ClientOption) (<-chan Event, func())
}
