package mocks

import (
	"context"
	"sync"

	"github.com/phrazzld/canvas-api/internal/ratelimit"
)

// Limiter returns a fixed Decision, allowing everything by default.
type Limiter struct {
	// Decision is returned by Check; nil allows every request.
	Decision *ratelimit.Decision

	mu    sync.Mutex
	// Calls holds one scope:identifier entry per Check.
	Calls []string
}

// Check records scope:identifier and returns the configured decision.
func (m *Limiter) Check(_ context.Context, scope, identifier string) ratelimit.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, scope+":"+identifier)
	if m.Decision != nil {
		return *m.Decision
	}
	return ratelimit.Decision{Allowed: true, Count: int64(len(m.Calls))}
}

// Recorded returns a copy of the scope:identifier pairs checked so far.
func (m *Limiter) Recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Calls...)
}
