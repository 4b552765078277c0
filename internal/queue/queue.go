// Package queue implements the bounded channels that carry raw frames between
// pipeline stages. A full queue never blocks the producer: the oldest pending
// item is evicted and counted.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
)

type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	count  int
	closed bool

	// ready has one token while items are pending or the queue is closed.
	ready chan struct{}

	dropped atomic.Uint64
	onDrop  func(T)
}

// New returns a queue holding at most capacity items. onDrop, if set, is
// called for every evicted item outside the queue lock.
func New[T any](capacity int, onDrop func(T)) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items:  make([]T, capacity),
		ready:  make(chan struct{}, 1),
		onDrop: onDrop,
	}
}

// Push appends v, evicting the oldest pending item when full. It reports
// false if the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	var evicted T
	didEvict := false
	if q.count == len(q.items) {
		evicted = q.items[q.head]
		var zero T
		q.items[q.head] = zero
		q.head = (q.head + 1) % len(q.items)
		q.count--
		didEvict = true
	}
	q.items[(q.head+q.count)%len(q.items)] = v
	q.count++
	q.mu.Unlock()

	q.signal()
	if didEvict {
		q.dropped.Add(1)
		if q.onDrop != nil {
			q.onDrop(evicted)
		}
	}
	return true
}

// Pop blocks until an item is available, the queue is closed and drained, or
// ctx is done. ok is false in the latter two cases.
func (q *Queue[T]) Pop(ctx context.Context) (v T, ok bool) {
	for {
		if v, ok, closed := q.TryPop(); ok || closed {
			return v, ok
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// TryPop returns the oldest item without blocking. closed reports whether the
// queue is closed and empty.
func (q *Queue[T]) TryPop() (v T, ok bool, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return v, false, q.closed
	}
	v = q.items[q.head]
	var zero T
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.count--
	if q.count > 0 || q.closed {
		q.signal()
	}
	return v, true, false
}

// Close wakes consumers. Items already queued are still delivered.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *Queue[T]) Cap() int { return len(q.items) }

// Dropped returns the number of evicted items.
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
