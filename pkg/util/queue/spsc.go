package queue

// Bounded lock-free single-producer/single-consumer ring buffer

import (
	"sync/atomic"
)

// cacheLinePad keeps the producer and consumer indexes on separate cache lines
type cacheLinePad [64]byte

// SPSC is a bounded FIFO queue for exactly one producing goroutine and one consuming goroutine.
//
// Neither TryPush nor TryPop ever blocks. Calling TryPush from more than one goroutine (or TryPop
// from more than one goroutine) is a data race.
type SPSC[T any] struct {
	_    cacheLinePad
	head atomic.Uint64 // next index to pop; written only by the consumer
	_    cacheLinePad
	tail atomic.Uint64 // next index to push; written only by the producer
	_    cacheLinePad

	mask  uint64
	slots []T
}

// NewSPSC creates a new SPSC queue holding at least capacity items. The capacity is rounded up to
// the next power of two.
func NewSPSC[T any](capacity int) *SPSC[T] {
	if capacity < 1 {
		panic("SPSC capacity must be positive")
	}
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &SPSC[T]{
		mask:  size - 1,
		slots: make([]T, size),
	}
}

// Cap returns the number of items the queue can hold
func (q *SPSC[T]) Cap() int {
	return len(q.slots)
}

// Len returns the number of items currently in the queue. The value may be stale by the time it's
// used if the other side is active.
func (q *SPSC[T]) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// TryPush adds the item to the back of the queue, returning false if the queue is full
func (q *SPSC[T]) TryPush(item T) bool {
	tail := q.tail.Load()
	if tail-q.head.Load() == uint64(len(q.slots)) {
		return false
	}
	q.slots[tail&q.mask] = item
	// publishes the slot write to the consumer
	q.tail.Store(tail + 1)
	return true
}

// TryPop removes the item at the front of the queue, returning false if the queue is empty
func (q *SPSC[T]) TryPop() (T, bool) {
	var zero T

	head := q.head.Load()
	if head == q.tail.Load() {
		return zero, false
	}
	item := q.slots[head&q.mask]
	q.slots[head&q.mask] = zero
	// hands the slot back to the producer
	q.head.Store(head + 1)
	return item, true
}
