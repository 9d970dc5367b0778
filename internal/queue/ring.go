// Package queue provides the bounded ring that moves encoded messages
// between the simulation goroutine and the network goroutines.
package queue

import (
	"sync/atomic"
)

// DefaultCapacity is the slot count used for both directions of a session.
const DefaultCapacity = 1024

// Ring is a fixed-capacity single-producer/single-consumer FIFO. Exactly one
// goroutine may call Push and exactly one goroutine may call Pop; the two
// sides synchronize only through the head and tail indices.
type Ring[T any] struct {
	buf  []T
	size uint64

	// head is the next slot to read, owned by the consumer.
	head atomic.Uint64
	// tail is the next slot to write, owned by the producer.
	tail atomic.Uint64

	ready chan struct{}
}

// New creates a ring with the given capacity. A non-positive capacity uses
// DefaultCapacity.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring[T]{
		buf:   make([]T, capacity),
		size:  uint64(capacity),
		ready: make(chan struct{}, 1),
	}
}

// Push appends v without blocking. It returns false when the ring is full;
// the item is not stored and existing entries are untouched.
func (r *Ring[T]) Push(v T) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() >= r.size {
		return false
	}

	r.buf[tail%r.size] = v
	r.tail.Store(tail + 1)

	select {
	case r.ready <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the oldest item without blocking. ok is false when the ring
// is empty.
func (r *Ring[T]) Pop() (v T, ok bool) {
	head := r.head.Load()
	if head == r.tail.Load() {
		return v, false
	}

	idx := head % r.size
	v = r.buf[idx]
	var zero T
	r.buf[idx] = zero
	r.head.Store(head + 1)
	return v, true
}

// Ready is signalled after a successful push. Signals coalesce, so a
// receiver must drain with Pop until it reports empty.
func (r *Ring[T]) Ready() <-chan struct{} {
	return r.ready
}

// Len returns the number of items pending.
func (r *Ring[T]) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return int(r.size)
}

// Empty reports whether every successful push has been matched by a pop.
func (r *Ring[T]) Empty() bool {
	return r.head.Load() == r.tail.Load()
}
