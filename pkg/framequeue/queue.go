// Package framequeue contains a bounded queue that drops the oldest element when full.
package framequeue

import (
	"fmt"
	"sync"
	"time"
)

// Queue is a bounded FIFO queue that is safe for one producer and one consumer.
// When the queue is full, Push evicts the oldest element, so that the consumer
// always receives the most recent data.
type Queue[T any] struct {
	capacity int

	mutex  sync.Mutex
	items  []T
	head   int
	count  int
	closed bool

	event *event
}

// New allocates a Queue.
func New[T any](capacity int) (*Queue[T], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("invalid capacity (%d)", capacity)
	}

	return &Queue[T]{
		capacity: capacity,
		items:    make([]T, capacity),
		event:    newEvent(),
	}, nil
}

// Push appends an element to the end of the queue.
// It returns true when the oldest element has been evicted to make room.
// Pushing into a closed queue discards the element.
func (q *Queue[T]) Push(v T) bool {
	q.mutex.Lock()

	if q.closed {
		q.mutex.Unlock()
		return false
	}

	evicted := false

	if q.count == q.capacity {
		var zero T
		q.items[q.head] = zero
		q.head = (q.head + 1) % q.capacity
		q.count--
		evicted = true
	}

	q.items[(q.head+q.count)%q.capacity] = v
	q.count++

	q.mutex.Unlock()

	q.event.signal()

	return evicted
}

func (q *Queue[T]) pop() (T, bool) {
	var zero T

	if q.count == 0 {
		return zero, false
	}

	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % q.capacity
	q.count--

	return v, true
}

// Pull removes the oldest element from the queue.
// If the queue is empty, it waits up to timeout for an element to be pushed.
// It returns false when the timeout expires or the queue is closed.
func (q *Queue[T]) Pull(timeout time.Duration) (T, bool) {
	var timer *time.Timer

	for {
		q.mutex.Lock()
		v, ok := q.pop()
		closed := q.closed
		q.mutex.Unlock()

		if ok {
			if timer != nil {
				timer.Stop()
			}
			return v, true
		}

		if closed {
			var zero T
			return zero, false
		}

		if timer == nil {
			timer = time.NewTimer(timeout)
		}

		select {
		case <-q.event.ch:
		case <-timer.C:
			var zero T
			return zero, false
		}
	}
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.count
}

// Clear removes all queued elements and returns how many were removed.
func (q *Queue[T]) Clear() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	n := q.count

	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.head = 0
	q.count = 0

	q.event.reset()

	return n
}

// Close makes Pull return false once the queue has been drained
// and makes Push discard elements.
func (q *Queue[T]) Close() {
	q.mutex.Lock()
	q.closed = true
	q.mutex.Unlock()

	q.event.signal()
}
