package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/keys"
	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL is used when no claim lifetime is configured. It must
// outlive the slowest generation, or a redelivery could be processed twice.
const DefaultDedupTTL = 30 * time.Minute

// Deduper makes sure a task id is processed by at most one delivery.
type Deduper struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewDeduper creates a Deduper whose claims expire after ttl.
func NewDeduper(rdb redis.UniversalClient, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &Deduper{rdb: rdb, ttl: ttl}
}

// Claim reports whether the caller won the task. false means another
// delivery already holds or finished it.
func (d *Deduper) Claim(ctx context.Context, taskID uuid.UUID) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, keys.Dedup(taskID), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", taskID, err)
	}
	return ok, nil
}

// Release gives the claim back so a requeued delivery can take it.
func (d *Deduper) Release(ctx context.Context, taskID uuid.UUID) error {
	if err := d.rdb.Del(ctx, keys.Dedup(taskID)).Err(); err != nil {
		return fmt.Errorf("release task %s: %w", taskID, err)
	}
	return nil
}
