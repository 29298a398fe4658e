// Package main runs the reference generation worker. It consumes queued
// generation requests, renders them with the configured image model and
// reports every status change through the same path the API uses.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phrazzld/canvas-api/internal/broadcast"
	"github.com/phrazzld/canvas-api/internal/config"
	"github.com/phrazzld/canvas-api/internal/events"
	"github.com/phrazzld/canvas-api/internal/platform/gcs"
	"github.com/phrazzld/canvas-api/internal/platform/gemini"
	"github.com/phrazzld/canvas-api/internal/platform/logger"
	"github.com/phrazzld/canvas-api/internal/platform/postgres"
	"github.com/phrazzld/canvas-api/internal/platform/rabbitmq"
	"github.com/phrazzld/canvas-api/internal/redact"
	"github.com/phrazzld/canvas-api/internal/service"
	"github.com/phrazzld/canvas-api/internal/worker"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	// consumerRestartDelay spaces out reconnects after the broker drops the
	// consumer.
	consumerRestartDelay = 5 * time.Second
	dependencyCheckEvery = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("canvas worker exited with error", slog.String("error", redact.Error(err)))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()

	artifacts, err := gcs.Open(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer func() { _ = artifacts.Close() }()

	generator, err := gemini.New(ctx, cfg.Worker, log)
	if err != nil {
		return err
	}

	dispatcher := events.NewDispatcher(cfg.Events.BufferSize, log)
	dispatcher.RegisterHandler(events.NewAuditHandler(log))

	tasks := postgres.NewPostgresTaskStore(db, log)
	status, err := service.NewStatusService(tasks, broadcast.New(rdb, log), dispatcher, log)
	if err != nil {
		return err
	}
	processor, err := worker.NewProcessor(worker.Deps{
		Tasks:     tasks,
		Status:    status,
		Artifacts: artifacts,
		Generator: generator,
		Claims:    worker.NewDeduper(rdb, cfg.Worker.DedupTTL),
	}, log)
	if err != nil {
		return err
	}

	consumer := rabbitmq.NewConsumer(cfg.Broker, cfg.Worker.Concurrency, nil, log)

	dispatcher.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := dispatcher.Stop(stopCtx); err != nil {
			log.Warn("event dispatcher did not drain", slog.String("error", err.Error()))
		}
	}()

	log.Info("worker started",
		slog.String("queue", cfg.Broker.Queue),
		slog.Int("concurrency", cfg.Worker.Concurrency),
		slog.String("image_model", cfg.Worker.ImageModel))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consume(gctx, consumer, processor.Handle, log)
	})
	g.Go(func() error {
		watchDependencies(gctx, map[string]func(context.Context) error{
			"database": db.PingContext,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}, log)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("worker shutdown completed")
	return nil
}

// consume keeps a consumer running until ctx ends, reconnecting after the
// broker closes the delivery channel.
func consume(ctx context.Context, c *rabbitmq.Consumer, handle rabbitmq.Handler, log *slog.Logger) error {
	for {
		err := c.Run(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		log.Error("consumer stopped, reconnecting",
			slog.String("error", redact.Error(err)),
			slog.Duration("delay", consumerRestartDelay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(consumerRestartDelay):
		}
	}
}

// watchDependencies pings each dependency periodically and logs failures.
func watchDependencies(ctx context.Context, checks map[string]func(context.Context) error, log *slog.Logger) {
	ticker := time.NewTicker(dependencyCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down worker")
			return
		case <-ticker.C:
			for name, check := range checks {
				checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				if err := check(checkCtx); err != nil {
					log.Warn("dependency check failed",
						slog.String("dependency", name),
						slog.String("error", redact.Error(err)))
				}
				cancel()
			}
		}
	}
}
