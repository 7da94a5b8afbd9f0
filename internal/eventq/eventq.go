// Package eventq holds the small queueing primitives shared by the stream
// producers and the client state machine.
package eventq

import (
	"context"
	"sync"
)

// Offer performs a non-blocking send.
// It returns true when the value was sent and false when the channel is full
// or closed.
func Offer[T any](ch chan<- T, value T) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}

// OfferContext performs a non-blocking send that also respects context cancellation.
// It returns false if ctx is already done or if the channel is full.
func OfferContext[T any](ctx context.Context, ch chan<- T, value T) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return Offer(ch, value)
}

// Latest stores value in a one-slot channel, replacing whatever the consumer
// has not read yet. The channel must have capacity 1.
func Latest[T any](ch chan T, value T) {
	for i := 0; i < 2; i++ {
		if Offer(ch, value) {
			return
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Mailbox is an unbounded FIFO with a single consumer. Put never blocks, so
// producers cannot deadlock against the consumer that drains it.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	closed bool
}

// NewMailbox returns an empty mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{notify: make(chan struct{}, 1)}
}

// Put enqueues v. It reports false once the mailbox is closed.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()
	Offer(m.notify, struct{}{})
	return true
}

// Get blocks until an item is available, ctx is done or the mailbox is
// closed and drained. ok is false in the last two cases.
func (m *Mailbox[T]) Get(ctx context.Context) (v T, ok bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			v = m.items[0]
			var zero T
			m.items[0] = zero
			m.items = m.items[1:]
			m.mu.Unlock()
			return v, true
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return v, false
		}

		select {
		case <-m.notify:
		case <-ctx.Done():
			return v, false
		}
	}
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close stops accepting new items. Queued items can still be drained.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	Offer(m.notify, struct{}{})
}
