// Package main issues access tokens for local development. Identity is
// managed elsewhere in production; this tool signs a token with the
// configured secret and can seed the owner's subscription so the token is
// usable against a fresh database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/config"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/phrazzld/canvas-api/internal/platform/logger"
	"github.com/phrazzld/canvas-api/internal/platform/postgres"
	"github.com/phrazzld/canvas-api/internal/redact"
	"github.com/phrazzld/canvas-api/internal/service/auth"
)

func main() {
	user := flag.String("user", "", "owner id to sign for (default: a new id)")
	tier := flag.String("tier", string(domain.TierFree), "subscription tier to seed")
	quota := flag.Int("quota", 0, "seed a subscription with this quota limit (0 skips seeding)")
	flag.Parse()

	if err := run(*user, domain.Tier(*tier), *quota); err != nil {
		fmt.Fprintln(os.Stderr, "dev-token:", redact.Error(err))
		os.Exit(1)
	}
}

func run(user string, tier domain.Tier, quota int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return err
	}

	ownerID := uuid.New()
	if user != "" {
		if ownerID, err = uuid.Parse(user); err != nil {
			return fmt.Errorf("invalid -user: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if quota > 0 {
		db, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		sub := &domain.Subscription{UserID: ownerID, Tier: tier, QuotaLimit: quota}
		if err := postgres.NewPostgresSubscriptionStore(db, log).Upsert(ctx, sub); err != nil {
			return fmt.Errorf("seed subscription: %w", err)
		}
		log.Info("subscription seeded",
			slog.String("owner_id", ownerID.String()),
			slog.String("tier", string(tier)),
			slog.Int("quota_limit", quota))
	}

	jwtService, err := auth.NewJWTService(cfg.Auth)
	if err != nil {
		return err
	}
	token, err := jwtService.GenerateToken(ctx, ownerID)
	if err != nil {
		return err
	}

	fmt.Printf("owner: %s\ntoken: %s\n", ownerID, token)
	return nil
}
