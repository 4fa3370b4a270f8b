package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the sending half used by the reading generator.
type Publisher interface {
	// Push publishes and blocks until the broker confirms.
	Push(ctx context.Context, data []byte) error
	// UnsafePush publishes without waiting for a confirmation.
	UnsafePush(ctx context.Context, data []byte) error
	Close() error
}

// Subscriber is the receiving half used by the backend consumer. Every
// delivery must be acked or nacked.
type Subscriber interface {
	Consume() (<-chan amqp.Delivery, error)
	Close() error
}

// ClientInterface is both halves; *Client implements it.
type ClientInterface interface {
	Publisher
	Subscriber
}

var _ ClientInterface = (*Client)(nil)
