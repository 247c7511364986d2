// Package queue runs background tasks, through asynq when Redis is available or inline otherwise.
package queue

import (
	"context"
	"time"
)

// Task is a unit of background work.
type Task struct {
	Type    string
	Payload []byte
}

// Handler processes one task. A returned error makes the task eligible for retry.
type Handler func(ctx context.Context, task Task) error

// EnqueueOptions tunes how a task is scheduled.
type EnqueueOptions struct {
	Queue     string
	ProcessIn time.Duration
	MaxRetry  int
	UniqueTTL time.Duration
	Timeout   time.Duration
}

// Option mutates EnqueueOptions.
type Option func(*EnqueueOptions)

// OnQueue routes the task to a named queue.
func OnQueue(name string) Option {
	return func(o *EnqueueOptions) { o.Queue = name }
}

// ProcessIn delays the task.
func ProcessIn(d time.Duration) Option {
	return func(o *EnqueueOptions) { o.ProcessIn = d }
}

// MaxRetry bounds retries.
func MaxRetry(n int) Option {
	return func(o *EnqueueOptions) { o.MaxRetry = n }
}

// Unique drops duplicates of the same task for ttl.
func Unique(ttl time.Duration) Option {
	return func(o *EnqueueOptions) { o.UniqueTTL = ttl }
}

// Timeout bounds a single attempt.
func Timeout(d time.Duration) Option {
	return func(o *EnqueueOptions) { o.Timeout = d }
}

func collect(opts []Option) EnqueueOptions {
	var o EnqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Client enqueues tasks.
type Client interface {
	Enqueue(ctx context.Context, task Task, opts ...Option) error
	Close() error
}

// Server consumes tasks until its context ends.
type Server interface {
	Register(taskType string, h Handler)
	Run(ctx context.Context) error
}
