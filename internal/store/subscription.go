package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/domain"
)

// SubscriptionStore persists owner subscriptions and their quota counters.
type SubscriptionStore interface {
	// Get returns the owner's subscription.
	// Returns ErrSubscriptionNotFound if the owner has none.
	Get(ctx context.Context, ownerID uuid.UUID) (*domain.Subscription, error)

	// Reserve atomically consumes one unit of the owner's quota and returns
	// the subscription as it is after the reservation. It never lets
	// quota_used exceed quota_limit, regardless of concurrent callers.
	// Returns domain.ErrQuotaExhausted when nothing remains and
	// domain.ErrNoSubscription when the owner has no subscription.
	Reserve(ctx context.Context, ownerID uuid.UUID) (*domain.Subscription, error)

	// Release returns one unit of quota, floored at zero. It is used only
	// when a reserved task is reconciled as failed before being processed.
	Release(ctx context.Context, ownerID uuid.UUID) error

	// Upsert creates or replaces the owner's subscription plan.
	Upsert(ctx context.Context, sub *domain.Subscription) error

	// WithTx returns a SubscriptionStore bound to the given transaction.
	WithTx(tx *sql.Tx) SubscriptionStore
}
