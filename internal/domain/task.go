package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a generation task.
type TaskStatus string

// Possible task status values
const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCanceled   TaskStatus = "canceled"
)

// MaxPromptLength is the maximum prompt length in runes after trimming.
const MaxPromptLength = 2000

// Common validation errors for GenerationTask
var (
	ErrEmptyTaskID      = errors.New("task ID cannot be empty")
	ErrEmptyTaskOwnerID = errors.New("task owner ID cannot be empty")
	ErrEmptyStorageRef  = errors.New("task storage reference cannot be empty")
	ErrInvalidPriority  = errors.New("task priority out of range")
)

// IsTerminal reports whether no further transition is valid from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCanceled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusProcessing, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCanceled:
		return true
	default:
		return false
	}
}

// ParseTaskStatus converts a stored or transmitted string into a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	status := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTaskStatus, s)
	}
	return status, nil
}

// CanTransition reports whether a task may move from one status to another.
// The only forward step is queued→processing→completed; failed and canceled
// are reachable from any non-terminal status. Nothing leaves a terminal status.
func CanTransition(from, to TaskStatus) bool {
	if from.IsTerminal() || !to.Valid() {
		return false
	}
	switch to {
	case TaskStatusProcessing:
		return from == TaskStatusQueued
	case TaskStatusCompleted:
		return from == TaskStatusProcessing
	case TaskStatusFailed, TaskStatusCanceled:
		return true
	default:
		return false
	}
}

// StorageRef points at an object in the artifact store.
type StorageRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// IsZero reports whether the reference is unset.
func (r StorageRef) IsZero() bool {
	return r.Bucket == "" && r.Key == ""
}

// InputKey returns the artifact key for a task's input. Keys are namespaced
// by owner so an owner's objects can be listed and cleaned up together.
func InputKey(ownerID, taskID uuid.UUID) string {
	return fmt.Sprintf("input/%s/%s", ownerID, taskID)
}

// OutputKey returns the artifact key for a task's generated image.
func OutputKey(ownerID, taskID uuid.UUID) string {
	return fmt.Sprintf("output/%s/%s.png", ownerID, taskID)
}

// GenerationTask is a single image-generation request and its durable state.
//
// Version counts persisted states: 1 at creation and one more per applied
// Transition. Status events use it as their sequence number.
type GenerationTask struct {
	ID           uuid.UUID         `json:"id"`
	OwnerID      uuid.UUID         `json:"owner_id"`
	Prompt       string            `json:"prompt"`
	Parameters   Parameters        `json:"parameters"`
	Status       TaskStatus        `json:"status"`
	Priority     int               `json:"priority"`
	Input        StorageRef        `json:"input"`
	ResultKey    string            `json:"result_key,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Version      int               `json:"version"`
	EnqueuedAt   *time.Time        `json:"enqueued_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// NewGenerationTask creates a queued task with a time-sortable ID. The input
// artifact reference is derived from the owner and the new ID.
// Returns an error if validation fails.
func NewGenerationTask(
	ownerID uuid.UUID,
	prompt string,
	params Parameters,
	priority int,
	bucket string,
	now time.Time,
) (*GenerationTask, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate task ID: %w", err)
	}

	normalized, err := NormalizePrompt(prompt)
	if err != nil {
		return nil, err
	}

	now = now.UTC()
	task := &GenerationTask{
		ID:         id,
		OwnerID:    ownerID,
		Prompt:     normalized,
		Parameters: params,
		Status:     TaskStatusQueued,
		Priority:   priority,
		Input:      StorageRef{Bucket: bucket, Key: InputKey(ownerID, id)},
		Metadata:   map[string]string{},
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}
	return task, nil
}

// NormalizePrompt trims surrounding whitespace and enforces the length bound.
func NormalizePrompt(prompt string) (string, error) {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return "", ErrEmptyPrompt
	}
	if utf8.RuneCountInString(trimmed) > MaxPromptLength {
		return "", fmt.Errorf("%w: at most %d characters", ErrPromptTooLong, MaxPromptLength)
	}
	return trimmed, nil
}

// Validate checks if the GenerationTask has valid data.
func (t *GenerationTask) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}
	if t.OwnerID == uuid.Nil {
		return ErrEmptyTaskOwnerID
	}
	if _, err := NormalizePrompt(t.Prompt); err != nil {
		return err
	}
	if err := t.Parameters.Validate(); err != nil {
		return err
	}
	if !t.Status.Valid() {
		return ErrInvalidTaskStatus
	}
	if t.Priority < LowestPriority || t.Priority > MaxPriority {
		return ErrInvalidPriority
	}
	if t.Input.Bucket == "" || t.Input.Key == "" {
		return ErrEmptyStorageRef
	}
	if t.ResultKey != "" && t.Status != TaskStatusCompleted {
		return fmt.Errorf("%w: result reference on %s task", ErrValidation, t.Status)
	}
	if t.ErrorMessage != "" && t.Status != TaskStatusFailed && t.Status != TaskStatusCanceled {
		return fmt.Errorf("%w: error message on %s task", ErrValidation, t.Status)
	}
	return nil
}

// Transition is a requested status change with its outcome payload.
type Transition struct {
	Status       TaskStatus
	ResultKey    string
	ErrorMessage string
}

// Validate checks the payload against the target status: only completed
// carries a result and only failed or canceled carry an error message.
func (tr Transition) Validate() error {
	if !tr.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTaskStatus, tr.Status)
	}
	switch tr.Status {
	case TaskStatusCompleted:
		if tr.ResultKey == "" {
			return fmt.Errorf("%w: completed transition requires a result key", ErrValidation)
		}
		if tr.ErrorMessage != "" {
			return fmt.Errorf("%w: completed transition cannot carry an error", ErrValidation)
		}
	case TaskStatusFailed:
		if tr.ErrorMessage == "" {
			return fmt.Errorf("%w: failed transition requires an error message", ErrValidation)
		}
		if tr.ResultKey != "" {
			return fmt.Errorf("%w: failed transition cannot carry a result", ErrValidation)
		}
	default:
		if tr.ResultKey != "" {
			return fmt.Errorf("%w: %s transition cannot carry a result", ErrValidation, tr.Status)
		}
		if tr.ErrorMessage != "" && tr.Status != TaskStatusCanceled {
			return fmt.Errorf("%w: %s transition cannot carry an error", ErrValidation, tr.Status)
		}
	}
	return nil
}

// Apply moves the task to tr.Status, bumping Version. UpdatedAt never moves
// backwards even if now is earlier than the last update.
func (t *GenerationTask) Apply(tr Transition, now time.Time) error {
	if err := tr.Validate(); err != nil {
		return err
	}
	if !CanTransition(t.Status, tr.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, tr.Status)
	}

	t.Status = tr.Status
	t.ResultKey = tr.ResultKey
	t.ErrorMessage = tr.ErrorMessage
	t.Version++

	now = now.UTC()
	if now.After(t.UpdatedAt) {
		t.UpdatedAt = now
	}
	return nil
}
