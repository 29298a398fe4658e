package generation

import "errors"

// Errors returned by Generator implementations. Callers branch on them with
// errors.Is to decide between failing a task and retrying it.
var (
	// ErrGenerationFailed is returned when the model could not render the request.
	ErrGenerationFailed = errors.New("image generation failed")

	// ErrInvalidResponse is returned when the model answered without an image.
	ErrInvalidResponse = errors.New("invalid response from image model")

	// ErrContentBlocked is returned when the model's safety filters refused the prompt.
	ErrContentBlocked = errors.New("content blocked by image model safety filters")

	// ErrTransientFailure is returned for errors that may succeed on a later attempt.
	ErrTransientFailure = errors.New("transient error during image generation")

	// ErrInvalidConfig is returned when a generator is misconfigured.
	ErrInvalidConfig = errors.New("invalid generator configuration")
)

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientFailure)
}
