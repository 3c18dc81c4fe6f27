package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dispatcher publishes job descriptors onto the durable work queue. A single
// publishing channel is reused and serialized; AMQP channels do not tolerate
// concurrent publishes.
type Dispatcher struct {
	conn     *amqp.Connection
	topology Topology

	mu sync.Mutex
	ch *amqp.Channel
}

// NewDispatcher declares the topology up front and keeps a channel open for
// publishing. Declaration failures surface immediately rather than on the
// first submission.
func NewDispatcher(conn *amqp.Connection, topology Topology) (*Dispatcher, error) {
	d := &Dispatcher{conn: conn, topology: topology}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.channelLocked(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dispatcher) channelLocked() (*amqp.Channel, error) {
	if d.ch != nil && !d.ch.IsClosed() {
		return d.ch, nil
	}
	ch, err := d.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := d.topology.Declare(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	d.ch = ch
	return ch, nil
}

// Publish enqueues one descriptor with persistent delivery and a per-message
// expiration matching the queue TTL. Errors propagate: the caller created a
// lock and a job record it must now roll back.
func (d *Dispatcher) Publish(ctx context.Context, desc Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encode job descriptor: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	ch, err := d.channelLocked()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, "", d.topology.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Expiration:   strconv.FormatInt(d.topology.MessageTTLMillis, 10),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish job %s: %w", desc.JobID, err)
	}
	return nil
}

// Close releases the publishing channel. The connection belongs to the caller.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch == nil {
		return nil
	}
	err := d.ch.Close()
	d.ch = nil
	return err
}
