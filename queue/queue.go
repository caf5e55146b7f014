// Package queue provides transport for audit records between the turn
// engine and the drain worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrEmpty is returned by a dequeue that found nothing before its timeout.
var ErrEmpty = errors.New("queue empty")

// Record is one opaque payload in flight.
type Record struct {
	ID          string          `json:"id"`
	Body        json.RawMessage `json:"body"`
	EnqueueTime time.Time       `json:"enqueue_time"`
}

// Queue defines the transport interface.
type Queue interface {
	// Enqueue adds a record to the named queue.
	Enqueue(ctx context.Context, queueName string, rec *Record) error

	// DequeueWithTimeout retrieves a record, waiting up to timeout.
	// Returns ErrEmpty when nothing arrived in time.
	DequeueWithTimeout(ctx context.Context, queueName string, timeout time.Duration) (*Record, error)

	// Len returns the number of pending records.
	Len(ctx context.Context, queueName string) (int, error)

	// Close closes the queue and releases resources.
	Close() error
}

// generateRecordID generates a unique record ID.
func generateRecordID() string {
	return time.Now().Format("20060102150405.000000000")
}

// NewRecord creates a record with generated ID around a payload.
func NewRecord(body []byte) *Record {
	return &Record{
		ID:          generateRecordID(),
		Body:        json.RawMessage(body),
		EnqueueTime: time.Now().UTC(),
	}
}
