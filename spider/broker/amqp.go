package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig carries the connection and topology settings.
type AMQPConfig struct {
	URL           string
	Queue         string
	Exchange      string
	PrefetchCount int
	Logger        hclog.Logger
}

// AMQPBroker implements Broker over a RabbitMQ connection with one channel,
// one durable queue, and one fanout exchange.
type AMQPBroker struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	cfg    AMQPConfig
	logger hclog.Logger

	mu     sync.Mutex
	closed bool
}

// DialAMQP connects and declares the queue/exchange topology.
func DialAMQP(cfg AMQPConfig) (*AMQPBroker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if cfg.PrefetchCount > 0 {
		if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set amqp prefetch: %w", err)
		}
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "fanout", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, "", cfg.Exchange, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue %s: %w", cfg.Queue, err)
	}
	return &AMQPBroker{
		conn:   conn,
		ch:     ch,
		cfg:    cfg,
		logger: logger.Named("amqp"),
	}, nil
}

func (b *AMQPBroker) Publish(ctx context.Context, body []byte) error {
	return b.ch.PublishWithContext(ctx, b.cfg.Exchange, "", false, false, amqp.Publishing{
		Body: body,
	})
}

func (b *AMQPBroker) Consume(ctx context.Context) (<-chan Delivery, error) {
	deliveries, err := b.ch.Consume(b.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume from %s: %w", b.cfg.Queue, err)
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				select {
				case out <- Delivery{Body: d.Body, Tag: d.DeliveryTag}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *AMQPBroker) Ack(tag uint64) error {
	return b.ch.Ack(tag, false)
}

func (b *AMQPBroker) QueueDepth(ctx context.Context) (int, error) {
	q, err := b.ch.QueueDeclarePassive(b.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %s: %w", b.cfg.Queue, err)
	}
	return q.Messages, nil
}

// Close closes the channel before the connection so unacked deliveries are
// requeued cleanly.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.ch.Close(); err != nil {
		b.logger.Warn("failed to close amqp channel", "error", err)
	}
	return b.conn.Close()
}
