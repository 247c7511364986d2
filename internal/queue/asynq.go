package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"huddle/internal/middleware"
	"huddle/internal/observability"

	"github.com/hibiken/asynq"
)

// AsynqClient implements Client on top of asynq and Redis.
type AsynqClient struct {
	client *asynq.Client
}

var _ Client = (*AsynqClient)(nil)

// NewAsynqClient builds a client for the Redis URL or host:port in redisURL.
func NewAsynqClient(redisURL string) (*AsynqClient, error) {
	opt, err := redisConnOpt(redisURL)
	if err != nil {
		return nil, err
	}
	return &AsynqClient{client: asynq.NewClient(opt)}, nil
}

func redisConnOpt(redisURL string) (asynq.RedisConnOpt, error) {
	if redisURL == "" {
		return nil, errors.New("asynq: redis address is required")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err == nil {
		return opt, nil
	}
	// Bare host:port, as accepted by the cache package.
	return asynq.RedisClientOpt{Addr: redisURL}, nil
}

// Enqueue schedules task.
func (a *AsynqClient) Enqueue(ctx context.Context, t Task, opts ...Option) error {
	if t.Type == "" {
		return errors.New("asynq: task type is required")
	}
	o := collect(opts)

	var asynqOpts []asynq.Option
	if o.Queue != "" {
		asynqOpts = append(asynqOpts, asynq.Queue(o.Queue))
	}
	if o.ProcessIn > 0 {
		asynqOpts = append(asynqOpts, asynq.ProcessIn(o.ProcessIn))
	}
	if o.MaxRetry > 0 {
		asynqOpts = append(asynqOpts, asynq.MaxRetry(o.MaxRetry))
	}
	if o.UniqueTTL > 0 {
		asynqOpts = append(asynqOpts, asynq.Unique(o.UniqueTTL))
	}
	if o.Timeout > 0 {
		asynqOpts = append(asynqOpts, asynq.Timeout(o.Timeout))
	}

	if _, err := a.client.EnqueueContext(ctx, asynq.NewTask(t.Type, t.Payload), asynqOpts...); err != nil {
		return fmt.Errorf("enqueue %s: %w", t.Type, err)
	}
	return nil
}

// Close releases the Redis connection.
func (a *AsynqClient) Close() error {
	return a.client.Close()
}

// AsynqServer implements Server on top of asynq.
type AsynqServer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

var _ Server = (*AsynqServer)(nil)

// NewAsynqServer builds a worker consuming the default and realtime queues.
func NewAsynqServer(redisURL string, concurrency int) (*AsynqServer, error) {
	opt, err := redisConnOpt(redisURL)
	if err != nil {
		return nil, err
	}
	if concurrency <= 0 {
		concurrency = 10
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueRealtime: 6, QueueDefault: 3},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			middleware.Logger.ErrorContext(ctx, "task failed",
				slog.String("type", task.Type()),
				slog.String("error", err.Error()),
			)
		}),
	})
	return &AsynqServer{server: srv, mux: asynq.NewServeMux()}, nil
}

// Register binds a handler to a task type.
func (s *AsynqServer) Register(taskType string, h Handler) {
	s.mux.HandleFunc(taskType, func(ctx context.Context, t *asynq.Task) error {
		return instrument(ctx, Task{Type: t.Type(), Payload: t.Payload()}, h)
	})
}

// Run starts the worker and blocks until ctx is cancelled, then shuts down gracefully.
func (s *AsynqServer) Run(ctx context.Context) error {
	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	<-ctx.Done()
	s.server.Shutdown()
	return nil
}

func instrument(ctx context.Context, task Task, h Handler) error {
	err := h(ctx, task)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.QueueTasks.WithLabelValues(task.Type, outcome).Inc()
	return err
}
