// Package runtime holds the execution primitives shared by the engine:
// the per-task queue and the punctuation manager.
package runtime

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrQueueClosed = errors.New("queue closed")

type entry[T any] struct {
	item    T
	gated   bool
	closing bool
}

// Queue is an unbounded multi-producer single-consumer FIFO with a bounded
// admission gate. PutWait blocks while the gate is full; Put never blocks.
// Workers routing to each other must use Put so that cross-task cycles
// cannot deadlock, while sources use PutWait and get back-pressure.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []entry[T]
	head   int
	notify chan struct{}
	gate   chan struct{}
	closed bool
}

// NewQueue returns a queue whose admission gate holds up to capacity gated
// items. Capacity must be at least 1.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		notify: make(chan struct{}, 1),
		gate:   make(chan struct{}, capacity),
	}
}

// Put enqueues without blocking. Returns false if the queue is closed.
func (q *Queue[T]) Put(item T) bool {
	return q.put(entry[T]{item: item})
}

// PutWait enqueues after acquiring an admission slot, blocking while
// capacity gated items are already queued.
func (q *Queue[T]) PutWait(ctx context.Context, item T) error {
	select {
	case q.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if !q.put(entry[T]{item: item, gated: true}) {
		<-q.gate
		return ErrQueueClosed
	}
	return nil
}

func (q *Queue[T]) put(e entry[T]) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Poll dequeues the next item. With timeout zero it blocks until an item
// arrives, the queue closes, or ctx is done. A positive timeout additionally
// returns (zero, false, nil) when it elapses with nothing queued. After Close,
// queued items keep draining; once empty, Poll returns ErrQueueClosed.
func (q *Queue[T]) Poll(ctx context.Context, timeout time.Duration) (T, bool, error) {
	var zero T

	var timer *time.Timer
	var expired <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		q.mu.Lock()
		if q.head < len(q.items) {
			e := q.items[q.head]
			q.items[q.head] = entry[T]{}
			q.head++
			if q.head == len(q.items) {
				q.items = q.items[:0]
				q.head = 0
			} else if q.head > 64 && q.head*2 > len(q.items) {
				n := copy(q.items, q.items[q.head:])
				clear(q.items[n:])
				q.items = q.items[:n]
				q.head = 0
			}
			q.mu.Unlock()
			if e.gated {
				<-q.gate
			}
			return e.item, true, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return zero, false, ErrQueueClosed
		}

		select {
		case <-q.notify:
		case <-expired:
			return zero, false, nil
		case <-ctx.Done():
			return zero, false, ctx.Err()
		}
	}
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close stops admission. Already queued items remain pollable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}
