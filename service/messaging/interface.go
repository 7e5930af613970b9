package messaging

import (
	"context"
)

// Queue represents an abstract message queue for any payload type. A queue
// may be backed by process memory or by shared storage; only storage backed
// implementations are safe to share across process boundaries.
type Queue[T any] interface {
	// Publish adds a new message with payload to the queue
	Publish(ctx context.Context, t *T) error

	// Consume retrieves a single message, blocking until one is available or
	// the context is done
	Consume(ctx context.Context) (Message[T], error)

	// TryConsume retrieves a single message without blocking; it returns
	// (nil, nil) when the queue is empty
	TryConsume(ctx context.Context) (Message[T], error)
}

// Message represents a message retrieved from a queue
type Message[T any] interface {
	// T returns the payload of this message
	T() *T

	// Ack acknowledges successful processing of this message
	Ack() error

	// Nack indicates failure in processing this message
	Nack(err error) error
}
