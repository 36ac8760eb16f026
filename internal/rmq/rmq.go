// Package rmq wraps the AMQP plumbing shared by producers and consumers:
// connection-string formatting, durable queue declaration with a priority
// band, and publish/receive helpers.
package rmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MaxPriority is the number of priority bands supported on declared queues.
// Band 1 (critical) maps to the highest AMQP priority.
const MaxPriority = 5

// FormatConnectionString builds an amqp:// URL from discrete settings.
func FormatConnectionString(host string, port int, vhost, user, password string) string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", user, password, host, port, vhost)
}

type Producer interface {
	// Send publishes a persistent message at the given priority band
	// (1=critical .. 5=verylow).
	Send(ctx context.Context, body []byte, priority int, messageId string) error
}

type Consumer interface {
	// Recv opens a delivery channel with the given prefetch. Deliveries must
	// be acked or nacked by the caller.
	Recv(ctx context.Context, prefetch int) (<-chan amqp.Delivery, error)
}

type producer struct {
	ch        *amqp.Channel
	queueName string
}

type consumer struct {
	ch        *amqp.Channel
	queueName string
}

func declareQueue(ch *amqp.Channel, queueName string) error {
	_, err := ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
		"x-max-priority": int32(MaxPriority),
	})
	return err
}

// NewProducer declares the durable queue and returns a publisher bound to it.
func NewProducer(conn *amqp.Connection, queueName string) (Producer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := declareQueue(ch, queueName); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}
	return &producer{ch: ch, queueName: queueName}, nil
}

func (p *producer) Send(ctx context.Context, body []byte, priority int, messageId string) error {
	if priority < 1 {
		priority = 1
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	return p.ch.PublishWithContext(ctx, "", p.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		// AMQP priorities are ascending; band 1 is our most urgent.
		Priority:  uint8(MaxPriority + 1 - priority),
		MessageId: messageId,
	})
}

// NewConsumer declares the durable queue and returns a receiver bound to it.
func NewConsumer(conn *amqp.Connection, queueName string) (Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := declareQueue(ch, queueName); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}
	return &consumer{ch: ch, queueName: queueName}, nil
}

func (c *consumer) Recv(ctx context.Context, prefetch int) (<-chan amqp.Delivery, error) {
	if prefetch > 0 {
		if err := c.ch.Qos(prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set qos: %w", err)
		}
	}
	deliveries, err := c.ch.Consume(c.queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming from %s: %w", c.queueName, err)
	}
	go func() {
		<-ctx.Done()
		c.ch.Close()
	}()
	return deliveries, nil
}
