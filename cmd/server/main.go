// Package main runs the Canvas API server: task submission, task queries
// and live task status streams.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/phrazzld/canvas-api/internal/config"
	"github.com/phrazzld/canvas-api/internal/platform/logger"
	"github.com/phrazzld/canvas-api/internal/platform/postgres"
	"github.com/phrazzld/canvas-api/internal/redact"
)

func main() {
	migrate := flag.String("migrate", "",
		"run a database migration command and exit ("+strings.Join(postgres.MigrationCommands, ", ")+")")
	flag.Parse()

	if err := run(*migrate); err != nil {
		slog.Error("canvas api exited with error", slog.String("error", redact.Error(err)))
		os.Exit(1)
	}
}

func run(migrate string) error {
	if migrate != "" && !slices.Contains(postgres.MigrationCommands, migrate) {
		return fmt.Errorf("unknown migration command %q", migrate)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	log.Info("server configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Server.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}

	if migrate != "" {
		defer func() { _ = db.Close() }()
		return postgres.Migrate(ctx, db, migrate, log)
	}

	app, err := newApplication(ctx, cfg, log, db)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}
