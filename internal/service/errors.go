package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDependency marks a failure of a downstream system (database, object
	// store, broker) after admission succeeded. The API maps it to 503.
	ErrDependency = errors.New("dependency unavailable")

	// ErrArtifactTooLarge is wrapped by invalid_artifact rejections whose
	// upload exceeds the configured size limit.
	ErrArtifactTooLarge = errors.New("artifact too large")

	// ErrUnsupportedArtifact is wrapped by invalid_artifact rejections whose
	// upload is not an accepted image type.
	ErrUnsupportedArtifact = errors.New("unsupported artifact type")
)

// AdmissionReason says why a submission was refused.
type AdmissionReason string

// Admission rejection reasons
const (
	ReasonRateLimited       AdmissionReason = "rate_limited"
	ReasonQuotaExhausted    AdmissionReason = "quota_exhausted"
	ReasonNoSubscription    AdmissionReason = "no_subscription"
	ReasonInvalidParameters AdmissionReason = "invalid_parameters"
	ReasonInvalidArtifact   AdmissionReason = "invalid_artifact"
)

// AdmissionError is returned when a submission is refused before any task
// is queued. Nothing has been charged when it is returned.
type AdmissionError struct {
	Reason AdmissionReason
	// RetryAfter is set for rate_limited rejections.
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface for AdmissionError.
func (e *AdmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("submission rejected (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("submission rejected (%s)", e.Reason)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *AdmissionError) Unwrap() error {
	return e.Err
}

func reject(reason AdmissionReason, err error) *AdmissionError {
	return &AdmissionError{Reason: reason, Err: err}
}

// dependencyError wraps err so it matches both ErrDependency and err.
func dependencyError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDependency, op, err)
}
