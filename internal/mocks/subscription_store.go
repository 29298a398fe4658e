package mocks

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/phrazzld/canvas-api/internal/store"
)

// SubscriptionStore is an in-memory store.SubscriptionStore with the same
// conditional-reservation semantics as the Postgres store.
type SubscriptionStore struct {
	mu   sync.Mutex
	subs map[uuid.UUID]*domain.Subscription

	// ReserveErr and ReleaseErr make the matching method fail.
	ReserveErr error
	ReleaseErr error

	// ReleaseCalls counts successful and failed Release calls.
	ReleaseCalls int
}

var _ store.SubscriptionStore = (*SubscriptionStore)(nil)

// NewSubscriptionStore returns a store holding subs.
func NewSubscriptionStore(subs ...*domain.Subscription) *SubscriptionStore {
	m := &SubscriptionStore{subs: map[uuid.UUID]*domain.Subscription{}}
	for _, s := range subs {
		c := *s
		m.subs[s.UserID] = &c
	}
	return m
}

// Get returns a copy of the owner's subscription or store.ErrSubscriptionNotFound.
func (m *SubscriptionStore) Get(_ context.Context, ownerID uuid.UUID) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[ownerID]
	if !ok {
		return nil, store.ErrSubscriptionNotFound
	}
	c := *s
	return &c, nil
}

// Reserve fails with ReserveErr when set, otherwise takes one unit of quota
// or returns domain.ErrNoSubscription / domain.ErrQuotaExhausted.
func (m *SubscriptionStore) Reserve(_ context.Context, ownerID uuid.UUID) (*domain.Subscription, error) {
	if m.ReserveErr != nil {
		return nil, m.ReserveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[ownerID]
	if !ok {
		return nil, domain.ErrNoSubscription
	}
	if s.QuotaUsed >= s.QuotaLimit {
		return nil, domain.ErrQuotaExhausted
	}
	s.QuotaUsed++
	s.UpdatedAt = time.Now().UTC()
	c := *s
	return &c, nil
}

// Release counts the call, fails with ReleaseErr when set, and otherwise
// returns one unit of quota, never going below zero.
func (m *SubscriptionStore) Release(_ context.Context, ownerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReleaseCalls++
	if m.ReleaseErr != nil {
		return m.ReleaseErr
	}
	s, ok := m.subs[ownerID]
	if !ok {
		return store.ErrSubscriptionNotFound
	}
	if s.QuotaUsed > 0 {
		s.QuotaUsed--
	}
	return nil
}

// Upsert stores sub, keeping QuotaUsed of an existing subscription.
func (m *SubscriptionStore) Upsert(_ context.Context, sub *domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.subs[sub.UserID]; ok {
		existing.Tier = sub.Tier
		existing.QuotaLimit = sub.QuotaLimit
		return nil
	}
	c := *sub
	m.subs[sub.UserID] = &c
	return nil
}

// WithTx returns the same store.
func (m *SubscriptionStore) WithTx(*sql.Tx) store.SubscriptionStore {
	return m
}
