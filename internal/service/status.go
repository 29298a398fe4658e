package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/phrazzld/canvas-api/internal/events"
	"github.com/phrazzld/canvas-api/internal/platform/logger"
	"github.com/phrazzld/canvas-api/internal/store"
)

// StatusPublisher announces persisted task state to live observers.
type StatusPublisher interface {
	Publish(ctx context.Context, task *domain.GenerationTask) error
}

// StatusService is the single path through which task status changes.
// It persists first and broadcasts second, so observers never see a state
// the database does not hold.
type StatusService struct {
	tasks       store.TaskStore
	broadcaster StatusPublisher
	events      events.Emitter
	logger      *slog.Logger
}

// NewStatusService creates a StatusService. A nil emitter discards events.
func NewStatusService(
	tasks store.TaskStore,
	broadcaster StatusPublisher,
	emitter events.Emitter,
	logger *slog.Logger,
) (*StatusService, error) {
	if tasks == nil {
		return nil, fmt.Errorf("%w: tasks cannot be nil", domain.ErrValidation)
	}
	if broadcaster == nil {
		return nil, fmt.Errorf("%w: broadcaster cannot be nil", domain.ErrValidation)
	}
	if emitter == nil {
		emitter = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusService{
		tasks:       tasks,
		broadcaster: broadcaster,
		events:      emitter,
		logger:      logger.With(slog.String("component", "status_service")),
	}, nil
}

// Transition applies tr to the task and broadcasts the new state.
//
// Returns domain.ErrValidation for a malformed payload,
// domain.ErrInvalidTransition when the state machine forbids the change and
// store.ErrTaskNotFound for an unknown task. A failed broadcast is logged
// only: the stored state stays authoritative. New observers read it in
// their snapshot and open streams pick it up on their next heartbeat.
func (s *StatusService) Transition(ctx context.Context, id uuid.UUID, tr domain.Transition) (*domain.GenerationTask, error) {
	log := logger.FromContextOrDefault(ctx, s.logger).With(
		slog.String("task_id", id.String()),
		slog.String("to_status", string(tr.Status)))

	if err := tr.Validate(); err != nil {
		return nil, err
	}

	task, err := s.tasks.UpdateStatus(ctx, id, tr)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidTransition):
			log.Warn("transition rejected", slog.String("error", err.Error()))
		case store.IsNotFoundError(err):
			log.Debug("transition for unknown task")
		default:
			log.Error("failed to persist transition", slog.String("error", err.Error()))
			return nil, dependencyError("update task status", err)
		}
		return nil, err
	}

	log.Info("task status changed", slog.Int("version", task.Version))

	if err := s.broadcaster.Publish(ctx, task); err != nil {
		log.Warn("failed to broadcast status change", slog.String("error", err.Error()))
	}

	attrs := map[string]string{"status": string(task.Status)}
	if task.ErrorMessage != "" {
		attrs["error"] = task.ErrorMessage
	}
	s.events.Emit(events.New(events.TaskTransitioned, task.ID, task.OwnerID, attrs))

	return task, nil
}
