package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/domain"
)

// TaskStore defines the interface for generation task persistence.
type TaskStore interface {
	// Create inserts a new task. The task must pass domain validation.
	// Returns ErrDuplicate if a task with the same ID exists.
	//
	// During submission this runs in the same transaction as
	// SubscriptionStore.Reserve:
	//   err := store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
	//       if _, err := subs.WithTx(tx).Reserve(ctx, ownerID); err != nil {
	//           return err
	//       }
	//       return tasks.WithTx(tx).Create(ctx, task)
	//   })
	Create(ctx context.Context, task *domain.GenerationTask) error

	// GetByID retrieves a task by its unique ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.GenerationTask, error)

	// ListByOwner returns one page of an owner's tasks, newest first, and the
	// owner's total task count. page is 1-based.
	ListByOwner(ctx context.Context, ownerID uuid.UUID, page, pageSize int) ([]*domain.GenerationTask, int, error)

	// UpdateStatus applies tr to the task under a row lock and returns the
	// updated task. The state machine is enforced here, so a rejected
	// transition surfaces as domain.ErrInvalidTransition and nothing is written.
	// Returns ErrTaskNotFound if the task does not exist.
	UpdateStatus(ctx context.Context, id uuid.UUID, tr domain.Transition) (*domain.GenerationTask, error)

	// MarkEnqueued records the time the broker confirmed the task's message.
	MarkEnqueued(ctx context.Context, id uuid.UUID, at time.Time) error

	// FindUnenqueued returns queued tasks created before olderThan that were
	// never confirmed by the broker.
	FindUnenqueued(ctx context.Context, olderThan time.Time, limit int) ([]*domain.GenerationTask, error)

	// FindStuckProcessing returns processing tasks last updated before olderThan.
	FindStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*domain.GenerationTask, error)

	// WithTx returns a TaskStore bound to the given transaction.
	WithTx(tx *sql.Tx) TaskStore
}
