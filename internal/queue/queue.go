// Package queue moves job descriptors between intake and workers over
// RabbitMQ. The work queue is durable, carries a message TTL matching the
// session lock TTL, and dead-letters expired or rejected messages so a
// descriptor can never outlive the lock it was published under.
package queue

import (
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Descriptor is the wire message for one job. Immutable once published.
type Descriptor struct {
	JobID     string `json:"jobId"`
	Img1Path  string `json:"img1_path"`
	Img2Path  string `json:"img2_path"`
	SessionID string `json:"sessionId"`
}

// Validate rejects descriptors a worker could not act on. A malformed
// descriptor is dead-lettered, never retried.
func (d Descriptor) Validate() error {
	if d.JobID == "" {
		return fmt.Errorf("descriptor missing jobId")
	}
	if d.SessionID == "" {
		return fmt.Errorf("descriptor missing sessionId")
	}
	if d.Img1Path == "" || d.Img2Path == "" {
		return fmt.Errorf("descriptor missing artifact paths")
	}
	return nil
}

// ParseDescriptor decodes and validates a raw message body.
func ParseDescriptor(body []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(body, &d); err != nil {
		return Descriptor{}, fmt.Errorf("decode job descriptor: %w", err)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Topology names the broker resources both sides declare.
type Topology struct {
	Queue              string
	DeadLetterExchange string
	DeadLetterQueue    string
	MessageTTLMillis   int64
}

// Declare provisions the work queue, dead-letter exchange and dead-letter
// queue. Declarations are idempotent; both publisher and consumer run this
// so neither depends on start order.
func (t Topology) Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(t.DeadLetterExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue, "", t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}
	args := amqp.Table{
		"x-message-ttl":          t.MessageTTLMillis,
		"x-dead-letter-exchange": t.DeadLetterExchange,
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare work queue: %w", err)
	}
	return nil
}
