package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tier names a subscription plan.
type Tier string

// Known subscription tiers
const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Priority bounds. MaxPriority is also the broker queue's x-max-priority.
const (
	LowestPriority = 1
	MaxPriority    = 10
)

var tierPriorities = map[Tier]int{
	TierFree:       LowestPriority,
	TierBasic:      3,
	TierPro:        6,
	TierEnterprise: 9,
}

// ResolvePriority maps a tier name to the broker priority its tasks are
// queued with. Higher is served first. Unknown tiers get LowestPriority so
// stale tier metadata never blocks a submission.
func ResolvePriority(tier string) int {
	if p, ok := tierPriorities[Tier(strings.ToLower(strings.TrimSpace(tier)))]; ok {
		return p
	}
	return LowestPriority
}

// Subscription is an owner's plan and generation allowance.
type Subscription struct {
	UserID     uuid.UUID `json:"user_id"`
	Tier       Tier      `json:"tier"`
	QuotaLimit int       `json:"quota_limit"`
	QuotaUsed  int       `json:"quota_used"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Remaining returns how many more tasks the owner may submit.
func (s *Subscription) Remaining() int {
	if s.QuotaUsed >= s.QuotaLimit {
		return 0
	}
	return s.QuotaLimit - s.QuotaUsed
}
