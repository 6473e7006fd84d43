package session

import "sync/atomic"

// Queue is a bounded FIFO with drop-newest overflow semantics. [Queue.TryPut]
// never blocks: when the queue is full the item is discarded and counted
// instead. Consumers receive directly from [Queue.Items].
//
// Dropping the newest item is deliberate. For realtime audio it is better to
// lose the tail of a burst than to stall the producer or tear down the
// stream.
//
// The zero value is not usable; construct with [NewQueue]. All methods are
// safe for concurrent use.
type Queue[T any] struct {
	items chan T
	drops atomic.Int64
}

// NewQueue creates a queue holding at most capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{items: make(chan T, capacity)}
}

// TryPut enqueues item without blocking. It returns false if the queue was
// full and the item was dropped.
func (q *Queue[T]) TryPut(item T) bool {
	select {
	case q.items <- item:
		return true
	default:
		q.drops.Add(1)
		return false
	}
}

// Items returns the receive side of the queue. Consumers select on it
// together with their cancellation signal.
func (q *Queue[T]) Items() <-chan T {
	return q.items
}

// Drain discards everything currently buffered and returns how many items
// were removed.
func (q *Queue[T]) Drain() int {
	n := 0
	for {
		select {
		case <-q.items:
			n++
		default:
			return n
		}
	}
}

// Len reports the number of items currently buffered.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Drops reports how many items have been discarded due to overflow.
func (q *Queue[T]) Drops() int64 {
	return q.drops.Load()
}
