package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "schemaforge:events:"

// RedisBridge carries events between replicas over Redis pub/sub. Publish
// sends to Redis; Run relays remote events into the local publisher.
type RedisBridge struct {
	client *redis.Client
	local  Publisher
	origin string

	ready     chan struct{}
	readyOnce sync.Once
}

var _ Publisher = (*RedisBridge)(nil)

func NewRedisBridge(client *redis.Client, local Publisher) *RedisBridge {
	return &RedisBridge{
		client: client,
		local:  local,
		origin: uuid.NewString(),
		ready:  make(chan struct{}),
	}
}

func (b *RedisBridge) Publish(ctx context.Context, channel string, event Event) error {
	data, err := encodeBridgeMessage(b.origin, channel, event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, redisChannelPrefix+channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Ready is closed once the subscription is confirmed by Redis.
func (b *RedisBridge) Ready() <-chan struct{} {
	return b.ready
}

// Run subscribes to every event channel and blocks until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.PSubscribe(ctx, redisChannelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to redis events: %w", err)
	}
	b.readyOnce.Do(func() { close(b.ready) })

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			relay(ctx, b.origin, b.local, []byte(msg.Payload))
		}
	}
}
