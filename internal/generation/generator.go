package generation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/domain"
)

// Request is everything a model needs to render one task.
type Request struct {
	TaskID     uuid.UUID
	Prompt     string
	Parameters domain.Parameters
	// InputImage is an optional image to condition on.
	InputImage     []byte
	InputImageType string
}

// Image is a rendered result.
type Image struct {
	Data        []byte
	ContentType string
}

// Generator renders images.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Image, error)
}

// Validate checks the request before any model call is made.
func (r Request) Validate() error {
	if r.TaskID == uuid.Nil {
		return fmt.Errorf("%w: task ID is required", ErrGenerationFailed)
	}
	if r.Prompt == "" {
		return fmt.Errorf("%w: %w", ErrGenerationFailed, domain.ErrEmptyPrompt)
	}
	if len(r.InputImage) > 0 && r.InputImageType == "" {
		return fmt.Errorf("%w: input image type is required", ErrGenerationFailed)
	}
	return nil
}
