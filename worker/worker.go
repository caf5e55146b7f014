// Package worker drains audit records from a queue into a sink.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/brightboard/tutorengine/audit"
	"github.com/brightboard/tutorengine/llm"
	"github.com/brightboard/tutorengine/queue"
)

// Worker polls records from a queue and hands them to a sink.
type Worker struct {
	id           string
	queue        queue.Queue
	queueName    string
	sink         audit.Sink
	pollInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
}

// Config holds worker configuration.
type Config struct {
	ID           string
	Queue        queue.Queue
	QueueName    string
	Sink         audit.Sink
	PollInterval time.Duration
}

// New creates an audit drain worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = audit.DefaultQueueName
	}
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("audit-worker-%d", time.Now().UnixNano())
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		id:           cfg.ID,
		queue:        cfg.Queue,
		queueName:    cfg.QueueName,
		sink:         cfg.Sink,
		pollInterval: cfg.PollInterval,
		stopCh:       make(chan struct{}),
	}, nil
}

// Start begins polling. It returns immediately; records are processed
// in the background until Stop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker %s already running", w.id)
	}
	w.running = true
	w.mu.Unlock()

	log.Printf("[Worker %s] starting on queue %s", w.id, w.queueName)
	w.wg.Add(1)
	go w.pollLoop(ctx)
	return nil
}

// Stop halts polling and waits for the in-flight record to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	log.Printf("[Worker %s] stopped", w.id)
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		rec, err := w.queue.DequeueWithTimeout(ctx, w.queueName, w.pollInterval)
		if err != nil {
			if err == queue.ErrEmpty {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Worker %s] dequeue: %v", w.id, err)
			time.Sleep(w.pollInterval)
			continue
		}
		w.process(ctx, rec)
	}
}

func (w *Worker) process(ctx context.Context, rec *queue.Record) {
	var ar llm.AuditRecord
	if err := json.Unmarshal(rec.Body, &ar); err != nil {
		log.Printf("[Worker %s] drop malformed record %s: %v", w.id, rec.ID, err)
		return
	}
	if err := w.sink.Write(ctx, ar); err != nil {
		log.Printf("[Worker %s] sink write for record %s: %v", w.id, rec.ID, err)
	}
}
