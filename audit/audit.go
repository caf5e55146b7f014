// Package audit ships model request/response records off the hot path.
// Providers record through a queue; a worker drains the queue into a
// Sink for storage or review.
package audit

import (
	"context"
	"encoding/json"
	"log"

	"github.com/brightboard/tutorengine/llm"
	"github.com/brightboard/tutorengine/queue"
)

// DefaultQueueName is the logical queue audit records travel on.
const DefaultQueueName = "audit"

// QueueRecorder implements llm.Recorder by enqueueing records for the
// drain worker. Enqueue failures surface as errors; callers invoke this
// through llm.SafeRecord so a broken queue never affects a turn.
type QueueRecorder struct {
	q    queue.Queue
	name string
}

// NewQueueRecorder creates a recorder writing to the named queue.
// An empty name uses DefaultQueueName.
func NewQueueRecorder(q queue.Queue, name string) *QueueRecorder {
	if name == "" {
		name = DefaultQueueName
	}
	return &QueueRecorder{q: q, name: name}
}

// Record enqueues one audit record.
func (r *QueueRecorder) Record(ctx context.Context, rec llm.AuditRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.q.Enqueue(ctx, r.name, queue.NewRecord(b))
}

// Sink receives drained audit records.
type Sink interface {
	Write(ctx context.Context, rec llm.AuditRecord) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, rec llm.AuditRecord) error

func (f SinkFunc) Write(ctx context.Context, rec llm.AuditRecord) error {
	return f(ctx, rec)
}

// LogSink writes audit records to the process log.
type LogSink struct{}

func (LogSink) Write(ctx context.Context, rec llm.AuditRecord) error {
	log.Printf("[Audit] chat=%s turn=%s provider=%s model=%s fault=%q",
		rec.ChatID, rec.TurnID, rec.Provider, rec.Model, rec.Fault)
	return nil
}
