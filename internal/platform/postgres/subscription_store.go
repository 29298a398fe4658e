package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/phrazzld/canvas-api/internal/platform/logger"
	"github.com/phrazzld/canvas-api/internal/store"
)

// PostgresSubscriptionStore implements store.SubscriptionStore. The quota
// counter lives in the subscriptions row and is only changed by
// conditional UPDATEs, so concurrent reservations serialize on the row lock.
type PostgresSubscriptionStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresSubscriptionStore creates a new PostgreSQL implementation of the SubscriptionStore interface.
func NewPostgresSubscriptionStore(db store.DBTX, logger *slog.Logger) *PostgresSubscriptionStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSubscriptionStore{
		db:     db,
		logger: logger.With(slog.String("component", "subscription_store")),
	}
}

var _ store.SubscriptionStore = (*PostgresSubscriptionStore)(nil)

// WithTx implements store.SubscriptionStore.WithTx
func (s *PostgresSubscriptionStore) WithTx(tx *sql.Tx) store.SubscriptionStore {
	return &PostgresSubscriptionStore{db: tx, logger: s.logger}
}

// Get implements store.SubscriptionStore.Get
func (s *PostgresSubscriptionStore) Get(ctx context.Context, ownerID uuid.UUID) (*domain.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, tier, quota_limit, quota_used, updated_at
		FROM subscriptions
		WHERE user_id = $1
	`, ownerID)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrSubscriptionNotFound
		}
		return nil, MapError(err)
	}
	return sub, nil
}

// Reserve implements store.SubscriptionStore.Reserve
func (s *PostgresSubscriptionStore) Reserve(ctx context.Context, ownerID uuid.UUID) (*domain.Subscription, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	row := s.db.QueryRowContext(ctx, `
		UPDATE subscriptions
		SET quota_used = quota_used + 1, updated_at = NOW()
		WHERE user_id = $1 AND quota_used < quota_limit
		RETURNING user_id, tier, quota_limit, quota_used, updated_at
	`, ownerID)

	sub, err := scanSubscription(row)
	if err == nil {
		log.Debug("quota reserved",
			slog.String("owner_id", ownerID.String()),
			slog.Int("quota_used", sub.QuotaUsed),
			slog.Int("quota_limit", sub.QuotaLimit))
		return sub, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		log.Error("failed to reserve quota",
			slog.String("error", err.Error()),
			slog.String("owner_id", ownerID.String()))
		return nil, MapError(err)
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE user_id = $1)`, ownerID,
	).Scan(&exists); err != nil {
		return nil, MapError(err)
	}
	if !exists {
		return nil, domain.ErrNoSubscription
	}
	log.Info("quota exhausted", slog.String("owner_id", ownerID.String()))
	return nil, domain.ErrQuotaExhausted
}

// Release implements store.SubscriptionStore.Release
func (s *PostgresSubscriptionStore) Release(ctx context.Context, ownerID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET quota_used = GREATEST(quota_used - 1, 0), updated_at = NOW()
		WHERE user_id = $1
	`, ownerID)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, store.ErrSubscriptionNotFound)
}

// Upsert implements store.SubscriptionStore.Upsert. quota_used is kept on
// conflict so a plan change never resets consumption.
func (s *PostgresSubscriptionStore) Upsert(ctx context.Context, sub *domain.Subscription) error {
	if sub.UserID == uuid.Nil {
		return fmt.Errorf("%w: subscription user ID cannot be empty", store.ErrInvalidEntity)
	}
	if sub.QuotaLimit < 0 || sub.QuotaUsed < 0 {
		return fmt.Errorf("%w: quota values must be non-negative", store.ErrInvalidEntity)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, tier, quota_limit, quota_used)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET tier = EXCLUDED.tier, quota_limit = EXCLUDED.quota_limit, updated_at = NOW()
	`, sub.UserID, string(sub.Tier), sub.QuotaLimit, sub.QuotaUsed)
	return MapError(err)
}

func scanSubscription(row rowScanner) (*domain.Subscription, error) {
	var (
		sub  domain.Subscription
		tier string
	)
	if err := row.Scan(&sub.UserID, &tier, &sub.QuotaLimit, &sub.QuotaUsed, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	sub.Tier = domain.Tier(tier)
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}
