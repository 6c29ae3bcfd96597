// Package broker abstracts the message broker between the scheduler and
// the workers: one fanout exchange feeding one durable queue. Message
// bodies are 16-byte raw reservation UUIDs.
package broker

import "context"

// Delivery is one consumed message. Ack must be called exactly once per
// delivery.
type Delivery struct {
	Body []byte
	Tag  uint64
}

// Broker is the publish/consume surface.
type Broker interface {
	// Publish sends one message to the fanout exchange.
	Publish(ctx context.Context, body []byte) error

	// Consume opens the delivery stream. The channel closes when the
	// underlying connection does or ctx is done.
	Consume(ctx context.Context) (<-chan Delivery, error)

	// Ack acknowledges a delivery by tag.
	Ack(tag uint64) error

	// QueueDepth reports the number of messages sitting in the queue.
	QueueDepth(ctx context.Context) (int, error)

	Close() error
}
