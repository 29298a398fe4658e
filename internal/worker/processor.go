package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/phrazzld/canvas-api/internal/generation"
	"github.com/phrazzld/canvas-api/internal/platform/logger"
	"github.com/phrazzld/canvas-api/internal/platform/rabbitmq"
	"github.com/phrazzld/canvas-api/internal/store"
)

// Failure messages recorded on tasks the worker fails. They are shown to
// task owners, so they never carry internal error text.
const (
	ReasonInputMissing     = "input artifact is missing"
	ReasonContentBlocked   = "prompt was rejected by the image model's safety filters"
	ReasonGenerationFailed = "image generation failed"
	ReasonRetriesExhausted = "image generation failed after retrying"
)

// TaskReader loads tasks.
type TaskReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.GenerationTask, error)
}

// Transitioner records status changes; service.StatusService satisfies it.
type Transitioner interface {
	Transition(ctx context.Context, id uuid.UUID, tr domain.Transition) (*domain.GenerationTask, error)
}

// Claimer guards against processing one task twice; Deduper satisfies it.
type Claimer interface {
	Claim(ctx context.Context, taskID uuid.UUID) (bool, error)
	Release(ctx context.Context, taskID uuid.UUID) error
}

// Deps are the collaborators of a Processor. All are required.
type Deps struct {
	Tasks     TaskReader
	Status    Transitioner
	Artifacts store.ArtifactStore
	Generator generation.Generator
	Claims    Claimer
}

// Processor turns one generation request into a finished task.
type Processor struct {
	deps   Deps
	logger *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(deps Deps, logger *slog.Logger) (*Processor, error) {
	switch {
	case deps.Tasks == nil:
		return nil, fmt.Errorf("%w: tasks cannot be nil", domain.ErrValidation)
	case deps.Status == nil:
		return nil, fmt.Errorf("%w: status cannot be nil", domain.ErrValidation)
	case deps.Artifacts == nil:
		return nil, fmt.Errorf("%w: artifacts cannot be nil", domain.ErrValidation)
	case deps.Generator == nil:
		return nil, fmt.Errorf("%w: generator cannot be nil", domain.ErrValidation)
	case deps.Claims == nil:
		return nil, fmt.Errorf("%w: claims cannot be nil", domain.ErrValidation)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{deps: deps, logger: logger.With(slog.String("component", "task_processor"))}, nil
}

// Handle is a rabbitmq.Handler. Every outcome except a retry acks the
// message; a retry asks for a requeue.
func (p *Processor) Handle(ctx context.Context, msg rabbitmq.TaskMessage, redelivered bool) error {
	log := p.logger.With(
		slog.String("task_id", msg.TaskID.String()),
		slog.Bool("redelivered", redelivered))
	ctx = logger.WithLogger(ctx, log)

	out := p.Process(ctx, msg, redelivered)

	switch out.Kind {
	case OutcomeCompleted:
		log.Info("task completed")
		return nil
	case OutcomeFailed:
		log.Warn("task failed", slog.String("reason", out.Reason), errAttr(out.Err))
		return nil
	case OutcomeCanceled:
		log.Info("task skipped", slog.String("reason", out.Reason))
		return nil
	case OutcomeDuplicate:
		log.Info("duplicate delivery skipped")
		return nil
	case OutcomeRetry:
		log.Warn("task will be retried", slog.String("reason", out.Reason), errAttr(out.Err))
		return fmt.Errorf("%w: %s", rabbitmq.ErrRequeue, out.Reason)
	default:
		return fmt.Errorf("unknown outcome %s", out.Kind)
	}
}

// Process runs one delivery. A transient failure on a message that was
// already redelivered fails the task instead of retrying again.
func (p *Processor) Process(ctx context.Context, msg rabbitmq.TaskMessage, redelivered bool) Outcome {
	claimed, err := p.deps.Claims.Claim(ctx, msg.TaskID)
	if err != nil {
		return retry("claim unavailable", err)
	}
	if !claimed {
		return duplicate()
	}

	out := p.process(ctx, msg)
	if out.Kind != OutcomeRetry {
		return out
	}

	detached := context.WithoutCancel(ctx)
	if redelivered {
		return p.fail(detached, msg.TaskID, ReasonRetriesExhausted, out.Err)
	}
	if err := p.deps.Claims.Release(detached, msg.TaskID); err != nil {
		// The claim expires on its own; until then the requeued copy is
		// treated as a duplicate and the reaper picks the task up.
		logger.FromContextOrDefault(ctx, p.logger).Error("failed to release claim", errAttr(err))
	}
	return out
}

func (p *Processor) process(ctx context.Context, msg rabbitmq.TaskMessage) Outcome {
	log := logger.FromContextOrDefault(ctx, p.logger)

	task, err := p.deps.Tasks.GetByID(ctx, msg.TaskID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return failed("task not found", err)
		}
		return retry("load task", err)
	}
	if task.OwnerID != msg.OwnerID {
		return failed("message owner does not match task", domain.ErrUnauthorized)
	}

	switch task.Status {
	case domain.TaskStatusQueued:
		task, err = p.deps.Status.Transition(ctx, task.ID, domain.Transition{Status: domain.TaskStatusProcessing})
		if errors.Is(err, domain.ErrInvalidTransition) {
			return p.settled(ctx, msg.TaskID)
		}
		if err != nil {
			return retry("mark processing", err)
		}
	case domain.TaskStatusProcessing:
		// A previous delivery started the task and lost its claim.
		log.Debug("resuming task already in processing")
	default:
		return skipped(task.Status)
	}

	req := generation.Request{
		TaskID:     task.ID,
		Prompt:     task.Prompt,
		Parameters: task.Parameters,
	}
	input, err := p.deps.Artifacts.Get(ctx, task.Input.Bucket, task.Input.Key)
	switch {
	case store.IsNotFoundError(err):
		return p.fail(ctx, task.ID, ReasonInputMissing, err)
	case err != nil:
		return retry("read input artifact", err)
	}
	// Without an uploaded image the input artifact is the request manifest,
	// whose content is already in the task.
	if mtype := mimetype.Detect(input); strings.HasPrefix(mtype.String(), "image/") {
		req.InputImage = input
		req.InputImageType = mtype.String()
	}

	img, err := p.deps.Generator.Generate(ctx, req)
	switch {
	case err == nil:
	case generation.Retryable(err):
		return retry("generate image", err)
	case errors.Is(err, generation.ErrContentBlocked):
		return p.fail(ctx, task.ID, ReasonContentBlocked, err)
	default:
		return p.fail(ctx, task.ID, ReasonGenerationFailed, err)
	}

	resultKey := domain.OutputKey(task.OwnerID, task.ID)
	if err := p.deps.Artifacts.Put(ctx, task.Input.Bucket, resultKey, img.Data, img.ContentType); err != nil {
		return retry("store result", err)
	}

	_, err = p.deps.Status.Transition(ctx, task.ID, domain.Transition{
		Status:    domain.TaskStatusCompleted,
		ResultKey: resultKey,
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		return p.settled(ctx, task.ID)
	}
	if err != nil {
		return retry("mark completed", err)
	}
	return completed()
}

// fail moves the task to failed. A task that reached a terminal state in the
// meantime is reported as skipped.
func (p *Processor) fail(ctx context.Context, id uuid.UUID, reason string, cause error) Outcome {
	_, err := p.deps.Status.Transition(ctx, id, domain.Transition{
		Status:       domain.TaskStatusFailed,
		ErrorMessage: reason,
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		return p.settled(ctx, id)
	}
	if err != nil {
		// Left in processing; the reaper fails it once it is stuck long enough.
		return failed(reason, errors.Join(cause, err))
	}
	return failed(reason, cause)
}

// settled reports a task that some other path finished first.
func (p *Processor) settled(ctx context.Context, id uuid.UUID) Outcome {
	task, err := p.deps.Tasks.GetByID(ctx, id)
	if err != nil {
		return Outcome{Kind: OutcomeCanceled, Reason: "task settled by another path"}
	}
	return skipped(task.Status)
}

func errAttr(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
