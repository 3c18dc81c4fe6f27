package queue

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer receives deliveries from the work queue one at a time.
type Consumer struct {
	conn     *amqp.Connection
	topology Topology
}

// NewConsumer wraps an established connection.
func NewConsumer(conn *amqp.Connection, topology Topology) *Consumer {
	return &Consumer{conn: conn, topology: topology}
}

// Consume opens a channel with prefetch 1 and starts delivering from the
// work queue. Manual acks: the worker acknowledges only after the job's
// terminal status is durably recorded.
func (c *Consumer) Consume() (<-chan amqp.Delivery, error) {
	return c.consume(c.topology.Queue)
}

// ConsumeDeadLetters delivers from the dead-letter queue so expired and
// rejected descriptors get a terminal disposition instead of accumulating.
func (c *Consumer) ConsumeDeadLetters() (<-chan amqp.Delivery, error) {
	return c.consume(c.topology.DeadLetterQueue)
}

func (c *Consumer) consume(queue string) (<-chan amqp.Delivery, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := c.topology.Declare(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, nil
}
