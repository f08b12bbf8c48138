package ffinput

import (
	"context"
	"sync"
)

// FrameQueue is a bounded FIFO shared by one producer and any number of
// consumers. Push blocks while the queue is full, which is the pipeline's
// only backpressure. Once closed, Pop drains what is left and then returns
// the close reason.
type FrameQueue[T any] struct {
	mu       sync.Mutex
	items    []T // ring buffer
	head     int
	n        int
	notEmpty chan struct{} // closed and replaced on every push
	notFull  chan struct{} // closed and replaced on every pop
	done     chan struct{}
	closed   bool
	reason   error
}

// NewFrameQueue creates a queue holding at most capacity items.
func NewFrameQueue[T any](capacity int) *FrameQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue[T]{
		items:    make([]T, capacity),
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Push appends v, blocking while the queue is full. It fails with ErrClosed
// once the queue is closed and with ctx.Err() when ctx ends first.
func (q *FrameQueue[T]) Push(ctx context.Context, v T) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.n < len(q.items) {
			q.put(v)
			q.mu.Unlock()
			return nil
		}
		wait := q.notFull
		q.mu.Unlock()

		select {
		case <-wait:
		case <-q.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryPush appends v without blocking. It returns false if the queue is full
// or closed.
func (q *FrameQueue[T]) TryPush(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.n == len(q.items) {
		return false
	}
	q.put(v)
	return true
}

func (q *FrameQueue[T]) put(v T) {
	q.items[(q.head+q.n)%len(q.items)] = v
	q.n++
	close(q.notEmpty)
	q.notEmpty = make(chan struct{})
}

// Pop removes the oldest item, blocking while the queue is empty. After
// Close it keeps returning items until the queue is drained, then the close
// reason.
func (q *FrameQueue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.n > 0 {
			v := q.items[q.head]
			q.items[q.head] = zero
			q.head = (q.head + 1) % len(q.items)
			q.n--
			close(q.notFull)
			q.notFull = make(chan struct{})
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			err := q.reason
			q.mu.Unlock()
			return zero, err
		}
		wait := q.notEmpty
		q.mu.Unlock()

		select {
		case <-wait:
		case <-q.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close closes the queue with a reason reported by Pop once the queue is
// drained. A nil reason means ErrClosed. Only the first call has an effect.
func (q *FrameQueue[T]) Close(reason error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if reason == nil {
		reason = ErrClosed
	}
	q.closed = true
	q.reason = reason
	close(q.done)
}

// Len returns the number of queued items.
func (q *FrameQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Cap returns the queue capacity.
func (q *FrameQueue[T]) Cap() int { return len(q.items) }

// Closed reports whether Close has been called.
func (q *FrameQueue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
