package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/phrazzld/canvas-api/internal/platform/logger"
	"github.com/phrazzld/canvas-api/internal/store"
)

// Paging bounds for ListTasks.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// TaskPage is one page of an owner's tasks.
type TaskPage struct {
	Items    []*domain.GenerationTask
	Total    int
	Page     int
	PageSize int
}

// QueryService answers owner-scoped reads.
type QueryService struct {
	tasks  store.TaskStore
	logger *slog.Logger
}

// NewQueryService creates a QueryService.
func NewQueryService(tasks store.TaskStore, logger *slog.Logger) *QueryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryService{tasks: tasks, logger: logger.With(slog.String("component", "query_service"))}
}

// GetTask returns the task if ownerID owns it. A task owned by someone else
// yields domain.ErrUnauthorized.
func (s *QueryService) GetTask(ctx context.Context, ownerID, taskID uuid.UUID) (*domain.GenerationTask, error) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.OwnerID != ownerID {
		logger.FromContextOrDefault(ctx, s.logger).Warn("task requested by non-owner",
			slog.String("task_id", taskID.String()),
			slog.String("requester_id", ownerID.String()))
		return nil, domain.ErrUnauthorized
	}
	return task, nil
}

// ListTasks returns a page of the owner's tasks, newest first. page is
// clamped to at least 1 and pageSize to [1, MaxPageSize], zero meaning
// DefaultPageSize.
func (s *QueryService) ListTasks(ctx context.Context, ownerID uuid.UUID, page, pageSize int) (*TaskPage, error) {
	if page < 1 {
		page = 1
	}
	switch {
	case pageSize <= 0:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}

	items, total, err := s.tasks.ListByOwner(ctx, ownerID, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &TaskPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}
