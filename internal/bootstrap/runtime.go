// Package bootstrap wires the process-level dependencies shared by the commands.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"huddle/internal/cache"
	"huddle/internal/config"
	"huddle/internal/database"
	"huddle/internal/middleware"
	"huddle/internal/queue"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Options control runtime initialization behavior.
type Options struct {
	// RequireRedis fails startup when Redis is configured but unreachable
	// instead of continuing as a single instance.
	RequireRedis bool
	// Worker also builds a background task worker when Redis is available.
	Worker bool
}

// Runtime holds the connections a command runs on. Redis, Tasks and Worker
// are nil when the process runs without Redis.
type Runtime struct {
	DB     *gorm.DB
	Redis  *redis.Client
	Tasks  queue.Client
	Worker queue.Server
}

// InitRuntime connects to the database and, when configured, Redis and the task queue.
func InitRuntime(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	rt := &Runtime{DB: db}

	if cfg.RedisURL == "" {
		middleware.Logger.Info("REDIS_URL not set, running as a single instance")
		return rt, nil
	}
	rt.Redis, err = cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		if opts.RequireRedis {
			_ = rt.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		middleware.Logger.Warn("redis unavailable, running as a single instance", slog.String("error", err.Error()))
		return rt, nil
	}

	client, err := queue.NewAsynqClient(cfg.RedisURL)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("task queue client: %w", err)
	}
	rt.Tasks = client
	if opts.Worker {
		worker, err := queue.NewAsynqServer(cfg.RedisURL, cfg.QueueConcurrency)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("task queue worker: %w", err)
		}
		rt.Worker = worker
	}
	return rt, nil
}

// Close releases every connection the runtime opened.
func (r *Runtime) Close() error {
	var errs []error
	if r.Tasks != nil {
		errs = append(errs, r.Tasks.Close())
	}
	if r.Redis != nil {
		errs = append(errs, r.Redis.Close())
	}
	if r.DB != nil {
		if sqlDB, err := r.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
