package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/phrazzld/canvas-api/internal/events"
	"github.com/phrazzld/canvas-api/internal/platform/logger"
	"github.com/phrazzld/canvas-api/internal/ratelimit"
	"github.com/phrazzld/canvas-api/internal/store"
)

// Accepted content types for uploaded input images.
var allowedImageTypes = []string{"image/png", "image/jpeg", "image/webp"}

const manifestContentType = "application/json"

// TaskPublisher hands a persisted task to the broker.
type TaskPublisher interface {
	Publish(ctx context.Context, task *domain.GenerationTask) error
}

// RateGate is the admission rate limiter.
type RateGate interface {
	Check(ctx context.Context, scope, identifier string) ratelimit.Decision
}

// SubmitRequest is a client's generation request.
type SubmitRequest struct {
	OwnerID    uuid.UUID
	Prompt     string
	Parameters domain.ParameterInput
	// Image is an optional input image. Without one the request manifest is
	// stored as the input artifact.
	Image         []byte
	ImageFilename string
	Client        string
}

// SubmitResult describes the queued task.
type SubmitResult struct {
	TaskID    uuid.UUID
	Status    domain.TaskStatus
	Priority  int
	CreatedAt time.Time
}

// SubmissionDeps are the collaborators of a SubmissionService.
type SubmissionDeps struct {
	DB               store.TxBeginner
	Tasks            store.TaskStore
	Quota            *QuotaGate
	Artifacts        store.ArtifactStore
	Publisher        TaskPublisher
	Limiter          RateGate
	Status           *StatusService
	Events           events.Emitter
	Bucket           string
	MaxArtifactBytes int64
}

// SubmissionService admits, persists and queues generation requests.
type SubmissionService struct {
	deps   SubmissionDeps
	logger *slog.Logger
	now    func() time.Time
	seed   func() int64
}

// NewSubmissionService creates a SubmissionService. Every dependency except
// Events is required.
func NewSubmissionService(deps SubmissionDeps, logger *slog.Logger) (*SubmissionService, error) {
	switch {
	case deps.DB == nil:
		return nil, fmt.Errorf("%w: db cannot be nil", domain.ErrValidation)
	case deps.Tasks == nil:
		return nil, fmt.Errorf("%w: task store cannot be nil", domain.ErrValidation)
	case deps.Quota == nil:
		return nil, fmt.Errorf("%w: quota gate cannot be nil", domain.ErrValidation)
	case deps.Artifacts == nil:
		return nil, fmt.Errorf("%w: artifact store cannot be nil", domain.ErrValidation)
	case deps.Publisher == nil:
		return nil, fmt.Errorf("%w: publisher cannot be nil", domain.ErrValidation)
	case deps.Limiter == nil:
		return nil, fmt.Errorf("%w: rate limiter cannot be nil", domain.ErrValidation)
	case deps.Status == nil:
		return nil, fmt.Errorf("%w: status service cannot be nil", domain.ErrValidation)
	case deps.Bucket == "":
		return nil, fmt.Errorf("%w: bucket cannot be empty", domain.ErrValidation)
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubmissionService{
		deps:   deps,
		logger: logger.With(slog.String("component", "submission_service")),
		now:    time.Now,
		seed:   domain.RandomSeed,
	}, nil
}

// Submit admits req and queues a generation task.
//
// The quota unit is reserved in the same transaction that inserts the task,
// so a refused or failed insert never charges the owner. Once the task is
// committed, a failure to store the input artifact or to publish marks the
// task failed, credits the unit back and returns an error wrapping
// ErrDependency.
func (s *SubmissionService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	log := logger.FromContextOrDefault(ctx, s.logger).With(slog.String("owner_id", req.OwnerID.String()))

	prompt, params, contentType, err := s.validate(req)
	if err != nil {
		return nil, s.rejected(log, req.OwnerID, err)
	}

	decision := s.deps.Limiter.Check(ctx, ratelimit.ScopeSubmit, req.OwnerID.String())
	if !decision.Allowed {
		return nil, s.rejected(log, req.OwnerID, &AdmissionError{
			Reason:     ReasonRateLimited,
			RetryAfter: decision.RetryAfter,
			Err:        fmt.Errorf("%d submissions in window", decision.Count),
		})
	}

	var task *domain.GenerationTask
	err = store.RunInTransaction(ctx, s.deps.DB, func(ctx context.Context, tx *sql.Tx) error {
		sub, err := s.deps.Quota.Reserve(ctx, tx, req.OwnerID)
		if err != nil {
			return err
		}

		task, err = domain.NewGenerationTask(
			req.OwnerID, prompt, params,
			domain.ResolvePriority(string(sub.Tier)),
			s.deps.Bucket, s.now(),
		)
		if err != nil {
			return reject(ReasonInvalidParameters, err)
		}
		task.Metadata = requestMetadata(req, contentType)

		if err := s.deps.Tasks.WithTx(tx).Create(ctx, task); err != nil {
			return dependencyError("create task", err)
		}
		return nil
	})
	if err != nil {
		var admission *AdmissionError
		if errors.As(err, &admission) {
			return nil, s.rejected(log, req.OwnerID, admission)
		}
		if !errors.Is(err, ErrDependency) {
			err = dependencyError("submission transaction", err)
		}
		log.Error("failed to persist submission", slog.String("error", err.Error()))
		return nil, err
	}

	log = log.With(slog.String("task_id", task.ID.String()))

	if err := s.storeInput(ctx, task, req, contentType); err != nil {
		s.reconcile(ctx, log, task, "input artifact upload failed")
		return nil, dependencyError("store input artifact", err)
	}

	if err := s.deps.Publisher.Publish(ctx, task); err != nil {
		s.reconcile(ctx, log, task, "task could not be queued")
		return nil, dependencyError("publish task", err)
	}

	if err := s.deps.Tasks.MarkEnqueued(ctx, task.ID, s.now().UTC()); err != nil {
		// The message is already with the broker; only the reaper's view is stale.
		log.Warn("failed to record enqueue time", slog.String("error", err.Error()))
	}

	log.Info("task submitted", slog.Int("priority", task.Priority))
	s.deps.Events.Emit(events.New(events.TaskSubmitted, task.ID, task.OwnerID, map[string]string{
		"priority": fmt.Sprint(task.Priority),
	}))

	return &SubmitResult{
		TaskID:    task.ID,
		Status:    task.Status,
		Priority:  task.Priority,
		CreatedAt: task.CreatedAt,
	}, nil
}

// validate checks everything that can be checked without I/O. The returned
// content type is empty when the request carries no image.
func (s *SubmissionService) validate(req SubmitRequest) (string, domain.Parameters, string, error) {
	if req.OwnerID == uuid.Nil {
		return "", domain.Parameters{}, "", reject(ReasonInvalidParameters, domain.ErrEmptyTaskOwnerID)
	}
	prompt, err := domain.NormalizePrompt(req.Prompt)
	if err != nil {
		return "", domain.Parameters{}, "", reject(ReasonInvalidParameters, err)
	}
	params, err := req.Parameters.Resolve(s.seed)
	if err != nil {
		return "", domain.Parameters{}, "", reject(ReasonInvalidParameters, err)
	}

	if len(req.Image) == 0 {
		return prompt, params, "", nil
	}
	if s.deps.MaxArtifactBytes > 0 && int64(len(req.Image)) > s.deps.MaxArtifactBytes {
		return "", domain.Parameters{}, "", reject(ReasonInvalidArtifact,
			fmt.Errorf("%w: %d bytes exceeds %d", ErrArtifactTooLarge, len(req.Image), s.deps.MaxArtifactBytes))
	}
	mtype := mimetype.Detect(req.Image)
	for _, allowed := range allowedImageTypes {
		if mtype.Is(allowed) {
			return prompt, params, allowed, nil
		}
	}
	return "", domain.Parameters{}, "", reject(ReasonInvalidArtifact,
		fmt.Errorf("%w: %s", ErrUnsupportedArtifact, mtype.String()))
}

func (s *SubmissionService) storeInput(ctx context.Context, task *domain.GenerationTask, req SubmitRequest, contentType string) error {
	data, ct := req.Image, contentType
	if len(data) == 0 {
		manifest, err := json.Marshal(struct {
			TaskID     uuid.UUID         `json:"task_id"`
			OwnerID    uuid.UUID         `json:"owner_id"`
			Prompt     string            `json:"prompt"`
			Parameters domain.Parameters `json:"parameters"`
			CreatedAt  time.Time         `json:"created_at"`
		}{task.ID, task.OwnerID, task.Prompt, task.Parameters, task.CreatedAt})
		if err != nil {
			return err
		}
		data, ct = manifest, manifestContentType
	}
	return s.deps.Artifacts.Put(ctx, task.Input.Bucket, task.Input.Key, data, ct)
}

// reconcile fails a committed task that never reached the broker and
// credits its quota unit back. It runs detached from the request context.
func (s *SubmissionService) reconcile(ctx context.Context, log *slog.Logger, task *domain.GenerationTask, reason string) {
	ctx = context.WithoutCancel(ctx)
	log.Warn("reconciling unqueued task", slog.String("reason", reason))

	if _, err := s.deps.Status.Transition(ctx, task.ID, domain.Transition{
		Status:       domain.TaskStatusFailed,
		ErrorMessage: reason,
	}); err != nil {
		// Whoever moved the task out of queued owns the credit; a task still
		// queued is picked up by the reaper.
		log.Error("failed to mark task failed", slog.String("error", err.Error()))
		return
	}
	if err := s.deps.Quota.Release(ctx, task.OwnerID); err != nil {
		log.Error("quota not credited back", slog.String("error", err.Error()))
	}
	s.deps.Events.Emit(events.New(events.TaskReconciled, task.ID, task.OwnerID, map[string]string{
		"reason": reason,
	}))
}

func (s *SubmissionService) rejected(log *slog.Logger, ownerID uuid.UUID, err error) error {
	var admission *AdmissionError
	if errors.As(err, &admission) {
		log.Info("submission rejected", slog.String("reason", string(admission.Reason)))
		s.deps.Events.Emit(events.New(events.TaskRejected, uuid.Nil, ownerID, map[string]string{
			"reason": string(admission.Reason),
		}))
	}
	return err
}

func requestMetadata(req SubmitRequest, contentType string) map[string]string {
	md := map[string]string{}
	if req.ImageFilename != "" {
		md["filename"] = req.ImageFilename
	}
	if contentType != "" {
		md["content_type"] = contentType
	} else {
		md["content_type"] = manifestContentType
	}
	if req.Client != "" {
		md["client"] = req.Client
	}
	return md
}
