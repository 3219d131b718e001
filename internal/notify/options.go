package notify

import "time"

const (
	DefaultEventBufferSize   = 1000
	DefaultClientBufferSize  = 100
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultShutdownTimeout   = 5 * time.Second
	DefaultMaxClients        = 1000
)

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

func WithEventBufferSize(size int) BrokerOption {
	return func(b *Broker) {
		if size > 0 {
			b.eventBufferSize = size
		}
	}
}

func WithClientBufferSize(size int) BrokerOption {
	return func(b *Broker) {
		if size > 0 {
			b.clientBufferSize = size
		}
	}
}

// WithMaxClients caps concurrent subscriptions; zero means unlimited.
func WithMaxClients(limit int) BrokerOption {
	return func(b *Broker) {
		if limit >= 0 {
			b.maxClients = limit
		}
	}
}

func WithShutdownTimeout(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d > 0 {
			b.shutdownTimeout = d
		}
	}
}

// ClientOptions configures a single subscription.
type ClientOptions struct {
	BufferSize int
	Filter     EventFilter
}

// EventFilter decides whether an event reaches a subscriber.
type EventFilter func(event Event) bool

type ClientOption func(*ClientOptions)

func WithBufferSize(size int) ClientOption {
	return func(o *ClientOptions) {
		if size > 0 {
			o.BufferSize = size
		}
	}
}

func WithFilter(filter EventFilter) ClientOption {
	return func(o *ClientOptions) {
		o.Filter = filter
	}
}
