package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/api/shared"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/phrazzld/canvas-api/internal/platform/logger"
	"github.com/phrazzld/canvas-api/internal/service"
)

const (
	// multipartOverhead is allowed on top of the image limit for the other
	// form fields and part headers.
	multipartOverhead = 1 << 20
	multipartMemory   = 8 << 20
	jsonBodyLimit     = 64 << 10
)

// Submitter admits generation requests.
type Submitter interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error)
}

// TaskQuerier answers owner-scoped task reads.
type TaskQuerier interface {
	GetTask(ctx context.Context, ownerID, taskID uuid.UUID) (*domain.GenerationTask, error)
	ListTasks(ctx context.Context, ownerID uuid.UUID, page, pageSize int) (*service.TaskPage, error)
}

// TaskHandler serves the /api/tasks endpoints.
type TaskHandler struct {
	submitter     Submitter
	queries       TaskQuerier
	maxImageBytes int64
	logger        *slog.Logger
}

// NewTaskHandler creates a TaskHandler. maxImageBytes bounds how much of an
// uploaded image is read; the submission service enforces the same limit.
func NewTaskHandler(submitter Submitter, queries TaskQuerier, maxImageBytes int64, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for TaskHandler")
	}
	return &TaskHandler{
		submitter:     submitter,
		queries:       queries,
		maxImageBytes: maxImageBytes,
		logger:        logger.With(slog.String("component", "task_handler")),
	}
}

// SubmitTask handles POST /api/tasks. It accepts JSON or multipart form
// data and answers 202 once the task is queued.
func (h *TaskHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	ownerID, ok := shared.UserIDFromContext(r.Context())
	if !ok {
		log.Warn("user ID not found or invalid in request context")
		shared.RespondWithError(w, r, http.StatusUnauthorized, "User ID not found or invalid")
		return
	}

	req, err := h.decodeSubmission(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			shared.RespondWithErrorAndLog(w, r, http.StatusRequestEntityTooLarge, "Request body too large", err)
			return
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	req.OwnerID = ownerID
	req.Client = r.UserAgent()

	result, err := h.submitter.Submit(r.Context(), req)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to submit task")
		return
	}

	log.Debug("task accepted",
		slog.String("task_id", result.TaskID.String()),
		slog.Int("priority", result.Priority))
	w.Header().Set("Location", "/api/tasks/"+result.TaskID.String())
	shared.RespondWithJSON(w, r, http.StatusAccepted, submitResultToResponse(result))
}

func (h *TaskHandler) decodeSubmission(w http.ResponseWriter, r *http.Request) (service.SubmitRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, jsonBodyLimit)
		var body SubmitTaskRequest
		if err := shared.DecodeJSON(r, &body); err != nil {
			return service.SubmitRequest{}, err
		}
		return service.SubmitRequest{Prompt: body.Prompt, Parameters: body.Parameters}, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxImageBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return service.SubmitRequest{}, fmt.Errorf("parse multipart form: %w", err)
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	req := service.SubmitRequest{Prompt: r.FormValue("prompt")}
	if raw := strings.TrimSpace(r.FormValue("parameters")); raw != "" {
		if err := sonic.UnmarshalString(raw, &req.Parameters); err != nil {
			return service.SubmitRequest{}, fmt.Errorf("decode parameters: %w", err)
		}
	}

	file, header, err := r.FormFile("image")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return req, nil
	case err != nil:
		return service.SubmitRequest{}, fmt.Errorf("read image part: %w", err)
	}
	defer func() { _ = file.Close() }()

	// One byte past the limit is enough for the service to reject it.
	data, err := io.ReadAll(io.LimitReader(file, h.maxImageBytes+1))
	if err != nil {
		return service.SubmitRequest{}, fmt.Errorf("read image part: %w", err)
	}
	req.Image = data
	req.ImageFilename = header.Filename
	return req, nil
}

// GetTask handles GET /api/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	ownerID, taskID, ok := handleUserIDAndPathUUID(w, r, "id", log)
	if !ok {
		return
	}

	task, err := h.queries.GetTask(r.Context(), ownerID, taskID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get task")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(task))
}

// ListTasks handles GET /api/tasks?page=&page_size=.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := shared.UserIDFromContext(r.Context())
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "User ID not found or invalid")
		return
	}

	page, err := queryInt(r, "page", 1)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	pageSize, err := queryInt(r, "page_size", service.DefaultPageSize)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	result, err := h.queries.ListTasks(r.Context(), ownerID, page, pageSize)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list tasks")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, pageToResponse(result))
}
