package service

import (
	"errors"
	"testing"
	"time"

	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestSentinelErrors(t *testing.T) {
	t.Run("sentinel errors are different", func(t *testing.T) {
		assert.False(t, errors.Is(ErrDependency, ErrArtifactTooLarge))
		assert.False(t, errors.Is(ErrArtifactTooLarge, ErrUnsupportedArtifact))
		assert.False(t, errors.Is(ErrUnsupportedArtifact, ErrDependency))
	})
}

func TestAdmissionError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AdmissionError
		expected string
	}{
		{
			name:     "with underlying error",
			err:      reject(ReasonQuotaExhausted, domain.ErrQuotaExhausted),
			expected: "submission rejected (quota_exhausted): " + domain.ErrQuotaExhausted.Error(),
		},
		{
			name:     "without underlying error",
			err:      &AdmissionError{Reason: ReasonRateLimited, RetryAfter: time.Second},
			expected: "submission rejected (rate_limited)",
		},
		{
			name:     "artifact too large",
			err:      reject(ReasonInvalidArtifact, ErrArtifactTooLarge),
			expected: "submission rejected (invalid_artifact): artifact too large",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAdmissionError_Unwrap(t *testing.T) {
	err := reject(ReasonNoSubscription, domain.ErrNoSubscription)

	assert.ErrorIs(t, err, domain.ErrNoSubscription)
	assert.Nil(t, (&AdmissionError{Reason: ReasonRateLimited}).Unwrap())

	var wrapped error = err
	var admission *AdmissionError
	if assert.True(t, errors.As(wrapped, &admission)) {
		assert.Equal(t, ReasonNoSubscription, admission.Reason)
	}
}

func TestDependencyError(t *testing.T) {
	cause := errors.New("broker unreachable")
	err := dependencyError("publish task", cause)

	assert.ErrorIs(t, err, ErrDependency)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "dependency unavailable: publish task: broker unreachable", err.Error())

	var admission *AdmissionError
	assert.False(t, errors.As(err, &admission))
}
