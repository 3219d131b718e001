package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var clientIDCounter atomic.Int64

// client is one subscription to one channel.
type client struct {
	id      string
	channel string
	events  chan Event
	filter  EventFilter
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closed  bool
}

func newClient(ctx context.Context, channel string, opts ClientOptions) *client {
	clientCtx, cancel := context.WithCancel(ctx)
	return &client{
		id:      fmt.Sprintf("sub-%d-%d", time.Now().UnixNano(), clientIDCounter.Add(1)),
		channel: channel,
		events:  make(chan Event, opts.BufferSize),
		filter:  opts.Filter,
		ctx:     clientCtx,
		cancel:  cancel,
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	close(c.events)
}

// send delivers without blocking. It returns false when the buffer is full,
// which marks the subscriber as too slow to keep.
func (c *client) send(event Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true
	}
	if c.filter != nil && !c.filter(event) {
		return true
	}

	select {
	case c.events <- event:
		return true
	default:
		return false
	}
}
