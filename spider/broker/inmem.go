package broker

import (
	"context"
	"sync"
)

// Inmem is a process-local Broker for tests: published messages land in an
// internal queue, deliveries record their acks, and the reported queue
// depth can be pinned to exercise backpressure.
type Inmem struct {
	mu        sync.Mutex
	queue     []Delivery
	published [][]byte
	acked     map[uint64]bool
	nextTag   uint64
	consumeCh chan Delivery

	// DepthOverride, when >= 0, is returned by QueueDepth instead of the
	// live queue length.
	DepthOverride int

	// PublishErr, when set, fails Publish.
	PublishErr error
}

// NewInmem returns an empty broker.
func NewInmem() *Inmem {
	return &Inmem{acked: make(map[uint64]bool), DepthOverride: -1}
}

func (b *Inmem) Publish(ctx context.Context, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PublishErr != nil {
		return b.PublishErr
	}
	b.nextTag++
	d := Delivery{Body: append([]byte(nil), body...), Tag: b.nextTag}
	b.published = append(b.published, d.Body)
	if b.consumeCh != nil {
		select {
		case b.consumeCh <- d:
			return nil
		default:
		}
	}
	b.queue = append(b.queue, d)
	return nil
}

func (b *Inmem) Consume(ctx context.Context) (<-chan Delivery, error) {
	b.mu.Lock()
	backlog := b.queue
	b.queue = nil
	ch := make(chan Delivery, 1024)
	b.consumeCh = ch
	b.mu.Unlock()

	for _, d := range backlog {
		ch <- d
	}
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if b.consumeCh == ch {
			b.consumeCh = nil
		}
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (b *Inmem) Ack(tag uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked[tag] = true
	return nil
}

func (b *Inmem) QueueDepth(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.DepthOverride >= 0 {
		return b.DepthOverride, nil
	}
	return len(b.queue), nil
}

func (b *Inmem) Close() error { return nil }

// Published returns the bodies accepted so far, in publish order.
func (b *Inmem) Published() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, 0, len(b.published))
	for _, body := range b.published {
		out = append(out, append([]byte(nil), body...))
	}
	return out
}

// Acked reports whether a delivery tag has been acknowledged.
func (b *Inmem) Acked(tag uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked[tag]
}
