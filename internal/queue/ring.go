// Package queue holds the bounded outbound queues of a session: one FIFO ring
// per destination, drained one frame at a time in round-robin order.
package queue

import "github.com/1ureka/btcomms/internal/commserr"

// DefaultCapacity is the number of frames a queue holds unless configured.
const DefaultCapacity = 16

// Ring is a fixed-capacity FIFO. Push on a full ring fails; the oldest entry
// is never overwritten.
type Ring[T any] struct {
	items []T
	head  int
	size  int
}

// NewRing creates a ring holding at most capacity items.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v or returns ErrQueueFull.
func (r *Ring[T]) Push(v T) error {
	if r.size == len(r.items) {
		return commserr.ErrQueueFull
	}
	r.items[(r.head+r.size)%len(r.items)] = v
	r.size++
	return nil
}

// Pop removes and returns the oldest item.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return v, true
}

// Peek returns the oldest item without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.items[r.head], true
}

func (r *Ring[T]) Len() int { return r.size }
func (r *Ring[T]) Cap() int { return len(r.items) }

// Reset discards every item.
func (r *Ring[T]) Reset() {
	clear(r.items)
	r.head, r.size = 0, 0
}
