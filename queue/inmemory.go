package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// InMemoryQueue is a process-local queue for tests and single-node runs.
type InMemoryQueue struct {
	mu     sync.Mutex
	queues map[string][]*Record
	closed bool
}

// NewInMemoryQueue creates an in-memory queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{queues: make(map[string][]*Record)}
}

// Enqueue adds a record to the named queue.
func (q *InMemoryQueue) Enqueue(ctx context.Context, queueName string, rec *Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue is closed")
	}
	q.queues[queueName] = append(q.queues[queueName], rec)
	return nil
}

// DequeueWithTimeout polls for a record until one arrives or the timeout
// elapses.
func (q *InMemoryQueue) DequeueWithTimeout(ctx context.Context, queueName string, timeout time.Duration) (*Record, error) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if items := q.queues[queueName]; len(items) > 0 {
			rec := items[0]
			q.queues[queueName] = items[1:]
			q.mu.Unlock()
			return rec, nil
		}
		q.mu.Unlock()

		if timeout <= 0 || time.Now().After(deadline) {
			return nil, ErrEmpty
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Len returns the number of pending records.
func (q *InMemoryQueue) Len(ctx context.Context, queueName string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[queueName]), nil
}

// Close marks the queue closed. Pending records stay readable.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
