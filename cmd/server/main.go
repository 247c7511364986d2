// Command server runs the huddle API and its background task worker.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"huddle/internal/bootstrap"
	"huddle/internal/config"
	"huddle/internal/middleware"
	"huddle/internal/observability"
	"huddle/internal/server"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		middleware.Logger.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	// A local .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		middleware.Logger.Warn("could not read .env", slog.String("error", err.Error()))
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:    "huddle",
		ServiceVersion: version,
		Environment:    cfg.Env,
		Enabled:        cfg.TracingEnabled,
		Exporter:       cfg.TracingExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SamplerRatio:   cfg.TracingSampleRatio,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.InitRuntime(ctx, cfg, bootstrap.Options{Worker: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			middleware.Logger.Error("closing connections", slog.String("error", err.Error()))
		}
	}()

	srv, err := server.NewServerWithDeps(cfg, rt.DB, rt.Redis, rt.Tasks)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	if rt.Worker != nil {
		srv.RegisterTaskHandlers(rt.Worker)
		g.Go(func() error { return rt.Worker.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		middleware.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return shutdownTracing(shutdownCtx)
	})
	return g.Wait()
}
