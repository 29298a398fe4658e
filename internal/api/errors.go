package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/phrazzld/canvas-api/internal/api/shared"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/phrazzld/canvas-api/internal/service"
	"github.com/phrazzld/canvas-api/internal/service/auth"
	"github.com/phrazzld/canvas-api/internal/store"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// exposing their types to clients. Admission errors are handled by
// writeAdmissionError and never reach this function.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrWrongTokenType):
		return http.StatusUnauthorized

	// A task the caller does not own is indistinguishable from a missing one.
	case errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	case errors.Is(err, service.ErrDependency):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-safe message for err.
func GetSafeErrorMessage(err error) string {
	switch {
	case err == nil:
		return "An unexpected error occurred"
	case errors.Is(err, auth.ErrExpiredToken):
		return "Token expired"
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrWrongTokenType):
		return "Invalid token"
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, store.ErrNotFound):
		return "Task not found"
	case errors.Is(err, domain.ErrInvalidID):
		return "Invalid task ID"
	case errors.Is(err, domain.ErrValidation), errors.Is(err, store.ErrInvalidEntity):
		return "Invalid request"
	case errors.Is(err, service.ErrDependency):
		return "Service temporarily unavailable"
	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the response for err. fallback replaces the
// generic message for 500 responses when non-empty.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var admission *service.AdmissionError
	if errors.As(err, &admission) {
		writeAdmissionError(w, r, admission)
		return
	}

	status := MapErrorToStatusCode(err)
	message := GetSafeErrorMessage(err)
	if status == http.StatusInternalServerError && fallback != "" {
		message = fallback
	}
	var opts []shared.ResponseOption
	if errors.Is(err, domain.ErrUnauthorized) {
		opts = append(opts, shared.WithElevatedLogLevel())
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err, opts...)
}

func writeAdmissionError(w http.ResponseWriter, r *http.Request, e *service.AdmissionError) {
	var (
		status  int
		message string
	)
	switch e.Reason {
	case service.ReasonRateLimited:
		status, message = http.StatusTooManyRequests, "Too many submissions"
		w.Header().Set("Retry-After", retryAfterSeconds(e.RetryAfter))
	case service.ReasonQuotaExhausted:
		status, message = http.StatusPaymentRequired, "Generation quota exhausted"
	case service.ReasonNoSubscription:
		status, message = http.StatusForbidden, "No active subscription"
	case service.ReasonInvalidParameters:
		status, message = http.StatusBadRequest, parameterMessage(e)
	case service.ReasonInvalidArtifact:
		if errors.Is(e, service.ErrArtifactTooLarge) {
			status, message = http.StatusRequestEntityTooLarge, "Input image too large"
		} else {
			status, message = http.StatusBadRequest, "Unsupported input image"
		}
	default:
		status, message = http.StatusInternalServerError, "An unexpected error occurred"
	}
	shared.RespondWithErrorAndLog(w, r, status, message, e, shared.WithReason(string(e.Reason)))
}

// parameterMessage surfaces validation detail, which names only fields and
// their allowed ranges.
func parameterMessage(e *service.AdmissionError) string {
	if e.Err != nil && errors.Is(e.Err, domain.ErrValidation) {
		return e.Err.Error()
	}
	switch {
	case errors.Is(e, domain.ErrEmptyPrompt):
		return "Prompt is required"
	case errors.Is(e, domain.ErrPromptTooLong):
		return "Prompt is too long"
	default:
		return "Invalid generation parameters"
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
