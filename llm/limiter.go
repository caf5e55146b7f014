package llm

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds concurrent in-flight upstream requests per model.
type Limiter struct {
	mu       sync.Mutex
	inflight map[string]*semaphore.Weighted
	max      int64
}

// NewLimiter creates a limiter allowing maxInflight concurrent requests
// per model id. Zero or negative means 8.
func NewLimiter(maxInflight int64) *Limiter {
	if maxInflight <= 0 {
		maxInflight = 8
	}
	return &Limiter{inflight: make(map[string]*semaphore.Weighted), max: maxInflight}
}

// Acquire blocks until a slot for the model is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, model string) error {
	return l.sem(model).Acquire(ctx, 1)
}

// Release frees a slot for the model.
func (l *Limiter) Release(model string) {
	l.sem(model).Release(1)
}

func (l *Limiter) sem(model string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.inflight[model]
	if !ok {
		s = semaphore.NewWeighted(l.max)
		l.inflight[model] = s
	}
	return s
}
