// Package mailbox provides the bounded per-subscriber delivery channel used
// by the message bus.
package mailbox

import (
	"context"
	"sync/atomic"
)

// DefaultCapacity is the mailbox buffer used when no size is configured.
const DefaultCapacity = 256

// Mailbox is a fixed-capacity buffered channel with context-aware send.
// A full mailbox applies backpressure to the sender instead of dropping.
type Mailbox[T any] struct {
	ch chan T

	// Delivery counters for stats
	sends    atomic.Int64
	receives atomic.Int64
	blocks   atomic.Int64
}

// New creates a mailbox with the given capacity.
func New[T any](capacity int) *Mailbox[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Mailbox[T]{
		ch: make(chan T, capacity),
	}
}

// Send enqueues a value, blocking while the mailbox is full until ctx is done.
func (m *Mailbox[T]) Send(ctx context.Context, v T) error {
	select {
	case m.ch <- v:
		m.sends.Add(1)
		return nil
	default:
	}

	m.blocks.Add(1)
	select {
	case m.ch <- v:
		m.sends.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive dequeues a value, blocking while the mailbox is empty until ctx is done.
func (m *Mailbox[T]) Receive(ctx context.Context) (T, error) {
	select {
	case v := <-m.ch:
		m.receives.Add(1)
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryReceive attempts a non-blocking receive.
func (m *Mailbox[T]) TryReceive() (T, bool) {
	select {
	case v := <-m.ch:
		m.receives.Add(1)
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered values.
func (m *Mailbox[T]) Len() int {
	return len(m.ch)
}

// Cap returns the mailbox capacity.
func (m *Mailbox[T]) Cap() int {
	return cap(m.ch)
}

// Stats returns delivery counters.
func (m *Mailbox[T]) Stats() Stats {
	return Stats{
		Length:   len(m.ch),
		Capacity: cap(m.ch),
		Sends:    m.sends.Load(),
		Receives: m.receives.Load(),
		Blocks:   m.blocks.Load(),
	}
}

// Stats contains mailbox delivery counters.
type Stats struct {
	Length   int   `json:"length"`
	Capacity int   `json:"capacity"`
	Sends    int64 `json:"sends"`
	Receives int64 `json:"receives"`
	Blocks   int64 `json:"blocks"`
}
