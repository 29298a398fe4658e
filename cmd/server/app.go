package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/canvas-api/internal/api"
	apiMiddleware "github.com/phrazzld/canvas-api/internal/api/middleware"
	"github.com/phrazzld/canvas-api/internal/broadcast"
	"github.com/phrazzld/canvas-api/internal/config"
	"github.com/phrazzld/canvas-api/internal/events"
	"github.com/phrazzld/canvas-api/internal/platform/gcs"
	"github.com/phrazzld/canvas-api/internal/platform/postgres"
	"github.com/phrazzld/canvas-api/internal/platform/rabbitmq"
	"github.com/phrazzld/canvas-api/internal/ratelimit"
	"github.com/phrazzld/canvas-api/internal/service"
	"github.com/phrazzld/canvas-api/internal/service/auth"
	"github.com/phrazzld/canvas-api/internal/stream"
	"github.com/phrazzld/canvas-api/internal/task"
	"github.com/redis/go-redis/v9"
)

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	db        *sql.DB
	redis     *redis.Client
	artifacts *gcs.Store
	publisher *rabbitmq.Publisher

	dispatcher *events.Dispatcher
	reaper     *task.Reaper

	handlers routes
}

// newApplication wires every component of the API process. The database
// connection is opened by the caller so migrations can run without the rest;
// on failure it is closed along with everything else.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	jwtService, err := auth.NewJWTService(cfg.Auth)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}

	app.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	app.artifacts, err = gcs.Open(ctx, cfg.Storage, logger)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	app.publisher = rabbitmq.NewPublisher(cfg.Broker, nil, logger)

	app.dispatcher = events.NewDispatcher(cfg.Events.BufferSize, logger)
	app.dispatcher.RegisterHandler(events.NewAuditHandler(logger))

	tasks := postgres.NewPostgresTaskStore(db, logger)
	subscriptions := postgres.NewPostgresSubscriptionStore(db, logger)
	broadcaster := broadcast.New(app.redis, logger)
	limiter := ratelimit.New(app.redis, map[string]ratelimit.Rule{
		ratelimit.ScopeSubmit: {Max: cfg.RateLimit.MaxSubmissions, Window: cfg.RateLimit.Window},
		ratelimit.ScopeStream: {Max: cfg.RateLimit.MaxStreamConnects, Window: cfg.RateLimit.Window},
	}, logger)
	quota := service.NewQuotaGate(subscriptions, logger)

	status, err := service.NewStatusService(tasks, broadcaster, app.dispatcher, logger)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to create status service: %w", err)
	}

	submissions, err := service.NewSubmissionService(service.SubmissionDeps{
		DB:               db,
		Tasks:            tasks,
		Quota:            quota,
		Artifacts:        app.artifacts,
		Publisher:        app.publisher,
		Limiter:          limiter,
		Status:           status,
		Events:           app.dispatcher,
		Bucket:           cfg.Storage.Bucket,
		MaxArtifactBytes: cfg.Storage.MaxArtifactBytes,
	}, logger)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to create submission service: %w", err)
	}

	app.reaper = task.NewReaper(tasks, status, quota, cfg.Reaper, logger)

	app.handlers = routes{
		tasks: api.NewTaskHandler(submissions, service.NewQueryService(tasks, logger),
			cfg.Storage.MaxArtifactBytes, logger),
		stream: stream.NewHandler(tasks, broadcaster, jwtService, limiter, cfg.Stream, logger),
		health: api.NewHealthHandler(map[string]api.HealthCheck{
			"database": db.PingContext,
			"redis":    func(ctx context.Context) error { return app.redis.Ping(ctx).Err() },
		}, logger),
		auth: apiMiddleware.NewAuthMiddleware(jwtService),
	}

	logger.Info("application initialized",
		slog.Int("port", cfg.Server.Port),
		slog.String("bucket", cfg.Storage.Bucket),
		slog.String("exchange", cfg.Broker.Exchange))
	return app, nil
}

// Run starts the background components and serves HTTP until ctx is
// canceled or the server fails.
func (app *application) Run(ctx context.Context) error {
	app.dispatcher.Start()
	app.reaper.Start()
	defer app.cleanup()

	if err := app.startHTTPServer(ctx, app.setupRouter()); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	if app.reaper != nil {
		app.reaper.Stop()
	}
	if app.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := app.dispatcher.Stop(ctx); err != nil {
			app.logger.Warn("event dispatcher did not drain", slog.String("error", err.Error()))
		}
		cancel()
	}

	var errs []error
	if app.publisher != nil {
		errs = append(errs, app.publisher.Close())
	}
	if app.artifacts != nil {
		errs = append(errs, app.artifacts.Close())
	}
	if app.redis != nil {
		errs = append(errs, app.redis.Close())
	}
	if app.db != nil {
		errs = append(errs, app.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		app.logger.Error("error releasing resources", slog.String("error", err.Error()))
	}

	app.logger.Info("application shutdown completed")
}
