package queue

import (
	"context"
	"fmt"
	"sync"
)

// Queue names.
const (
	QueueDefault  = "default"
	QueueRealtime = "realtime"
)

// Inline runs handlers synchronously inside Enqueue. It backs single-process
// deployments without Redis and tests. Delays and retries are ignored.
type Inline struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

var (
	_ Client = (*Inline)(nil)
	_ Server = (*Inline)(nil)
)

// NewInline returns an empty inline queue.
func NewInline() *Inline {
	return &Inline{handlers: make(map[string]Handler)}
}

// Register binds a handler to a task type.
func (q *Inline) Register(taskType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[taskType] = h
}

// Enqueue runs the matching handler immediately.
func (q *Inline) Enqueue(ctx context.Context, task Task, _ ...Option) error {
	q.mu.RLock()
	h, ok := q.handlers[task.Type]
	q.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for task type %q", task.Type)
	}
	return instrument(ctx, task, h)
}

// Run blocks until ctx is done.
func (q *Inline) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Close is a no-op.
func (q *Inline) Close() error { return nil }
