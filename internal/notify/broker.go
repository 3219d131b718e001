package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrBufferFull is returned by Publish when the broker cannot keep up.
var ErrBufferFull = errors.New("notification buffer full")

type envelope struct {
	channel string
	event   Event
}

// Broker is the in-process channel-keyed pub/sub hub. A single broadcast loop
// preserves publish order for every channel.
type Broker struct {
	clients map[string]*client
	mu      sync.RWMutex

	publish chan envelope

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	eventBufferSize  int
	clientBufferSize int
	shutdownTimeout  time.Duration
	maxClients       int
}

var (
	_ Publisher  = (*Broker)(nil)
	_ Subscriber = (*Broker)(nil)
)

// NewBroker creates a broker. Call Start before publishing.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		clients:          make(map[string]*client),
		eventBufferSize:  DefaultEventBufferSize,
		clientBufferSize: DefaultClientBufferSize,
		shutdownTimeout:  DefaultShutdownTimeout,
		maxClients:       DefaultMaxClients,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.publish = make(chan envelope, b.eventBufferSize)
	return b
}

// Start launches the broadcast loop. It returns immediately.
func (b *Broker) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go b.broadcastLoop()

	slog.Info("notification broker started",
		"event_buffer_size", b.eventBufferSize,
		"client_buffer_size", b.clientBufferSize,
		"max_clients", b.maxClients,
	)
	return nil
}

// Stop disconnects every subscriber and waits for the loop to exit.
func (b *Broker) Stop() error {
	if b.cancel != nil {
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("notification broker stopped")
	case <-time.After(b.shutdownTimeout):
		slog.Warn("notification broker shutdown timeout exceeded")
	}
	return nil
}

// Publish queues an event for the channel's subscribers. It never blocks.
func (b *Broker) Publish(ctx context.Context, channel string, event Event) error {
	select {
	case b.publish <- envelope{channel: channel, event: event}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish cancelled: %w", ctx.Err())
	default:
		return fmt.Errorf("%w: dropped %s event for %s", ErrBufferFull, event.Event, channel)
	}
}

// Subscribe registers a subscriber on channel. When the subscriber limit is
// reached the returned event channel is already closed.
func (b *Broker) Subscribe(ctx context.Context, channel string, opts ...ClientOption) (<-chan Event, func()) {
	clientOpts := ClientOptions{BufferSize: b.clientBufferSize}
	for _, opt := range opts {
		opt(&clientOpts)
	}

	b.mu.Lock()
	if b.maxClients > 0 && len(b.clients) >= b.maxClients {
		current := len(b.clients)
		b.mu.Unlock()
		slog.Warn("subscriber limit reached, rejecting subscription",
			"max_clients", b.maxClients,
			"current_clients", current,
			"channel", channel,
		)
		closed := make(chan Event)
		close(closed)
		return closed, func() {}
	}
	c := newClient(ctx, channel, clientOpts)
	b.clients[c.id] = c
	b.mu.Unlock()

	slog.Debug("subscriber added", "client_id", c.id, "channel", channel)

	b.wg.Add(1)
	go b.cleanupClient(c)

	return c.events, func() { b.removeClient(c.id) }
}

// ClientCount returns the number of live subscriptions.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Broker) broadcastLoop() {
	defer b.wg.Done()

	for {
		select {
		case env := <-b.publish:
			b.broadcast(env)
		case <-b.ctx.Done():
			b.disconnectAll()
			return
		}
	}
}

func (b *Broker) broadcast(env envelope) {
	b.mu.RLock()
	targets := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		if c.channel == env.channel {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	var slow []string
	for _, c := range targets {
		if !c.send(env.event) {
			slow = append(slow, c.id)
		}
	}

	// A slow subscriber loses its subscription instead of stalling the others.
	for _, id := range slow {
		slog.Warn("subscriber buffer full, closing slow subscription",
			"client_id", id,
			"channel", env.channel,
			"event", env.event.Event,
		)
		b.removeClient(id)
	}
}

func (b *Broker) cleanupClient(c *client) {
	defer b.wg.Done()
	<-c.ctx.Done()
	b.removeClient(c.id)
}

func (b *Broker) removeClient(id string) {
	b.mu.Lock()
	c, ok := b.clients[id]
	if ok {
		delete(b.clients, id)
	}
	b.mu.Unlock()

	if ok {
		c.close()
	}
}

func (b *Broker) disconnectAll() {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[string]*client)
	b.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	slog.Info("all subscribers disconnected", "count", len(clients))
}
