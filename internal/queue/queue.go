// Package queue provides the unbounded FIFO used for the broker's event
// stream and for every subscriber's outbound messages.
//
// Push never blocks and never drops. Memory is the only bound: a consumer that
// stops popping makes the queue grow until the process runs out. Callers that
// can observe the depth (Len) should surface it.
//
// Any number of goroutines may Push. Exactly one goroutine may Pop.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Push after Close, and by Pop once the queue is
// closed and drained.
var ErrClosed = errors.New("queue: closed")

// Unbounded is a multi-producer, single-consumer FIFO with no capacity limit.
// The zero value is not usable; call New.
type Unbounded[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	closed bool

	// ready holds at most one wake-up token for the consumer.
	ready chan struct{}
}

// New returns an empty open queue.
func New[T any]() *Unbounded[T] {
	return &Unbounded[T]{ready: make(chan struct{}, 1)}
}

// Push appends v. It fails only when the queue is closed.
func (q *Unbounded[T]) Push(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes the oldest item, blocking until one is available, the queue is
// closed and drained (ErrClosed), or ctx is done (ctx.Err()).
func (q *Unbounded[T]) Pop(ctx context.Context) (T, error) {
	for {
		v, ok, err := q.tryPop()
		if ok || err != nil {
			return v, err
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// PopTimeout is Pop with a deadline. It reports ok=false with a nil error
// when d elapses before an item arrives.
func (q *Unbounded[T]) PopTimeout(d time.Duration) (v T, ok bool, err error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		v, ok, err = q.tryPop()
		if ok || err != nil {
			return v, ok, err
		}

		select {
		case <-q.ready:
		case <-timer.C:
			return q.tryPop()
		}
	}
}

func (q *Unbounded[T]) tryPop() (T, bool, error) {
	var zero T

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head < len(q.items) {
		v := q.items[q.head]
		q.items[q.head] = zero
		q.head++
		q.compact()
		return v, true, nil
	}
	if q.closed {
		return zero, false, ErrClosed
	}
	return zero, false, nil
}

// compact releases the consumed prefix once it dominates the backing array.
func (q *Unbounded[T]) compact() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head >= 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
}

// Len returns the number of items waiting to be popped.
func (q *Unbounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close stops accepting new items. Items already queued can still be popped;
// after that Pop returns ErrClosed. Close is idempotent.
func (q *Unbounded[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Drain closes the queue and returns whatever was still waiting.
func (q *Unbounded[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	rest := append([]T(nil), q.items[q.head:]...)
	clear(q.items)
	q.items = nil
	q.head = 0
	return rest
}
