package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/phrazzld/canvas-api/internal/platform/logger"
	"github.com/phrazzld/canvas-api/internal/store"
)

// QuotaGate charges and credits generation allowance.
type QuotaGate struct {
	subs   store.SubscriptionStore
	logger *slog.Logger
}

// NewQuotaGate creates a QuotaGate over the subscription store.
func NewQuotaGate(subs store.SubscriptionStore, logger *slog.Logger) *QuotaGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaGate{subs: subs, logger: logger.With(slog.String("component", "quota_gate"))}
}

// Reserve takes one unit of the owner's allowance inside tx. Exhausted or
// missing subscriptions come back as *AdmissionError.
func (g *QuotaGate) Reserve(ctx context.Context, tx *sql.Tx, ownerID uuid.UUID) (*domain.Subscription, error) {
	sub, err := g.subs.WithTx(tx).Reserve(ctx, ownerID)
	switch {
	case err == nil:
		return sub, nil
	case errors.Is(err, domain.ErrQuotaExhausted):
		return nil, reject(ReasonQuotaExhausted, err)
	case errors.Is(err, domain.ErrNoSubscription):
		return nil, reject(ReasonNoSubscription, err)
	default:
		return nil, dependencyError("reserve quota", err)
	}
}

// Release gives one unit back. It runs outside any submission transaction
// and is only used when a committed task could not be queued.
func (g *QuotaGate) Release(ctx context.Context, ownerID uuid.UUID) error {
	if err := g.subs.Release(ctx, ownerID); err != nil {
		logger.FromContextOrDefault(ctx, g.logger).Error("failed to release quota",
			slog.String("owner_id", ownerID.String()),
			slog.String("error", err.Error()))
		return dependencyError("release quota", err)
	}
	return nil
}
