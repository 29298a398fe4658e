// Package ratelimit implements the windowed request counter used as an
// admission gate. It knows nothing about tasks: callers name a scope and an
// identifier and get back a Decision.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/canvas-api/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Scopes used by the admission paths.
const (
	ScopeSubmit = "submit"
	ScopeStream = "stream"
)

// Rule bounds one scope: at most Max checks per Window per identifier.
type Rule struct {
	Max    int64
	Window time.Duration
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed bool
	// Count is the number of checks seen in the current window, including this one.
	Count int64
	// RetryAfter is set on denials: the time until the window resets,
	// rounded up to whole seconds and never less than one.
	RetryAfter time.Duration
	// Degraded reports that the counter store was unreachable and the
	// request was let through unchecked.
	Degraded bool
}

// incrScript increments the counter and starts its expiry on the first hit
// of a window. A key that somehow lost its TTL gets one again so it cannot
// deny forever.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Limiter checks counters held in Redis.
type Limiter struct {
	rdb    redis.UniversalClient
	rules  map[string]Rule
	logger *slog.Logger
}

// New creates a Limiter enforcing rules keyed by scope.
func New(rdb redis.UniversalClient, rules map[string]Rule, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	copied := make(map[string]Rule, len(rules))
	for scope, r := range rules {
		copied[scope] = r
	}
	return &Limiter{
		rdb:    rdb,
		rules:  copied,
		logger: logger.With(slog.String("component", "rate_limiter")),
	}
}

// Check counts one request for (scope, identifier) and decides whether it
// may proceed. Concurrent callers on the same key are serialized by the
// script. If Redis fails, or scope has no rule, the request is allowed and
// the Decision is marked Degraded.
func (l *Limiter) Check(ctx context.Context, scope, identifier string) Decision {
	rule, ok := l.rules[scope]
	if !ok {
		l.logger.Error("rate limit check for unconfigured scope", slog.String("scope", scope))
		return Decision{Allowed: true, Degraded: true}
	}

	count, ttl, err := l.incr(ctx, keys.RateLimit(scope, identifier), rule.Window)
	if err != nil {
		l.logger.Warn("rate limiter unavailable, failing open",
			slog.String("scope", scope),
			slog.String("error", err.Error()))
		return Decision{Allowed: true, Degraded: true}
	}

	if count <= rule.Max {
		return Decision{Allowed: true, Count: count}
	}

	retryAfter := ttl.Truncate(time.Second)
	if retryAfter < ttl {
		retryAfter += time.Second
	}
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	l.logger.Debug("rate limit exceeded",
		slog.String("scope", scope),
		slog.Int64("count", count),
		slog.Duration("retry_after", retryAfter))
	return Decision{Allowed: false, Count: count, RetryAfter: retryAfter}
}

func (l *Limiter) incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrScript.Run(ctx, l.rdb, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected rate limit script reply of length %d", len(res))
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}
