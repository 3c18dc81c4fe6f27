package infra

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// NewAMQPConnection dials the message broker.
func NewAMQPConnection(cfg *Config) (*amqp.Connection, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	return conn, nil
}
