package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/phrazzld/canvas-api/internal/service"
)

// SubmitTaskRequest is the JSON form of POST /api/tasks. Multipart
// submissions carry the same fields as form values plus an optional image.
type SubmitTaskRequest struct {
	Prompt     string                `json:"prompt"     validate:"required"`
	Parameters domain.ParameterInput `json:"parameters"`
}

// SubmitTaskResponse is returned with 202 Accepted.
type SubmitTaskResponse struct {
	TaskID    uuid.UUID         `json:"task_id"`
	Status    domain.TaskStatus `json:"status"`
	Priority  int               `json:"priority"`
	CreatedAt time.Time         `json:"created_at"`
}

// TaskResponse is the client view of a generation task.
type TaskResponse struct {
	ID           uuid.UUID         `json:"id"`
	Status       domain.TaskStatus `json:"status"`
	Terminal     bool              `json:"terminal"`
	Prompt       string            `json:"prompt"`
	Parameters   domain.Parameters `json:"parameters"`
	Priority     int               `json:"priority"`
	ResultKey    string            `json:"result_key,omitempty"`
	ErrorMessage string            `json:"error,omitempty"`
	Sequence     int               `json:"sequence"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// TaskListResponse is one page of the caller's tasks.
type TaskListResponse struct {
	Items    []TaskResponse `json:"items"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

func submitResultToResponse(res *service.SubmitResult) SubmitTaskResponse {
	return SubmitTaskResponse{
		TaskID:    res.TaskID,
		Status:    res.Status,
		Priority:  res.Priority,
		CreatedAt: res.CreatedAt,
	}
}

func taskToResponse(t *domain.GenerationTask) TaskResponse {
	return TaskResponse{
		ID:           t.ID,
		Status:       t.Status,
		Terminal:     t.Status.IsTerminal(),
		Prompt:       t.Prompt,
		Parameters:   t.Parameters,
		Priority:     t.Priority,
		ResultKey:    t.ResultKey,
		ErrorMessage: t.ErrorMessage,
		Sequence:     t.Version,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func pageToResponse(p *service.TaskPage) TaskListResponse {
	items := make([]TaskResponse, 0, len(p.Items))
	for _, t := range p.Items {
		items = append(items, taskToResponse(t))
	}
	return TaskListResponse{Items: items, Total: p.Total, Page: p.Page, PageSize: p.PageSize}
}
