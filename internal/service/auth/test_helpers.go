package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/config"
	"github.com/stretchr/testify/require"
)

// DefaultJWTConfig returns a standard configuration for JWT authentication suitable for testing.
func DefaultJWTConfig() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:            "test-jwt-secret-that-is-32-chars-long",
		TokenLifetimeMinutes: 60,
	}
}

// NewTestJWTService creates an HMAC service with an explicit secret,
// lifetime and clock.
func NewTestJWTService(secret string, lifetime time.Duration, now func() time.Time) JWTService {
	return newHMACService(secret, lifetime, now)
}

// RequireTestJWTService creates a JWT service from DefaultJWTConfig.
func RequireTestJWTService(t *testing.T) JWTService {
	t.Helper()
	svc, err := NewJWTService(DefaultJWTConfig())
	require.NoError(t, err, "Failed to create test JWT service")
	return svc
}

// GenerateTokenForTestingT signs an access token for userID with the
// default test configuration.
func GenerateTokenForTestingT(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token, err := RequireTestJWTService(t).GenerateToken(context.Background(), userID)
	require.NoError(t, err, "Failed to generate token")
	return token
}

// GenerateAuthHeaderForTestingT returns a Bearer Authorization header value
// for userID.
func GenerateAuthHeaderForTestingT(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	return "Bearer " + GenerateTokenForTestingT(t, userID)
}
