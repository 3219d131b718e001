package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPExchange is the topic exchange events are published to. The routing key
// is the channel name.
const AMQPExchange = "schemaforge.events"

// AMQPBridge carries events between replicas through a RabbitMQ topic
// exchange. Each replica consumes through its own exclusive queue.
type AMQPBridge struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	mu     sync.Mutex
	local  Publisher
	origin string

	ready     chan struct{}
	readyOnce sync.Once
}

var _ Publisher = (*AMQPBridge)(nil)

// DialAMQPBridge connects to the broker and declares the exchange.
func DialAMQPBridge(url string, local Publisher) (*AMQPBridge, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(AMQPExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", AMQPExchange, err)
	}

	return &AMQPBridge{
		conn:   conn,
		ch:     ch,
		local:  local,
		origin: uuid.NewString(),
		ready:  make(chan struct{}),
	}, nil
}

func (b *AMQPBridge) Publish(ctx context.Context, channel string, event Event) error {
	data, err := encodeBridgeMessage(b.origin, channel, event)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	err = b.ch.PublishWithContext(ctx, AMQPExchange, channel, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Body:        data,
	})
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", channel, err)
	}
	return nil
}

// Ready is closed once the consumer queue is bound.
func (b *AMQPBridge) Ready() <-chan struct{} {
	return b.ready
}

// Run consumes remote events until ctx is done or the connection drops.
func (b *AMQPBridge) Run(ctx context.Context) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp consumer channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare consumer queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "#", AMQPExchange, false, nil); err != nil {
		return fmt.Errorf("bind consumer queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp delivery channel closed")
			}
			relay(ctx, b.origin, b.local, d.Body)
		}
	}
}

func (b *AMQPBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.ch.Close()
	return b.conn.Close()
}
