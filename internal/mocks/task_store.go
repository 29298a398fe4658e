package mocks

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/phrazzld/canvas-api/internal/store"
)

// TaskStore is an in-memory store.TaskStore. It enforces the same state
// machine as the Postgres store. Setting an *Err field makes the matching
// method fail.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.GenerationTask

	CreateErr       error
	UpdateStatusErr error
	MarkEnqueuedErr error

	// Now stamps transitions; nil uses time.Now.
	Now func() time.Time
}

var _ store.TaskStore = (*TaskStore)(nil)

// NewTaskStore returns an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: map[uuid.UUID]*domain.GenerationTask{}}
}

// Put stores a copy of task directly, bypassing validation.
func (m *TaskStore) Put(task *domain.GenerationTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = cloneTask(task)
}

// All returns copies of every stored task.
func (m *TaskStore) All() []*domain.GenerationTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.GenerationTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, cloneTask(t))
	}
	return out
}

// Create stores a copy of task, failing with CreateErr when set or
// store.ErrDuplicate for a known ID.
func (m *TaskStore) Create(_ context.Context, task *domain.GenerationTask) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return store.ErrDuplicate
	}
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// GetByID returns a copy of the task or store.ErrTaskNotFound.
func (m *TaskStore) GetByID(_ context.Context, id uuid.UUID) (*domain.GenerationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// ListByOwner returns one page of the owner's tasks, newest first, and the
// owner's total.
func (m *TaskStore) ListByOwner(_ context.Context, ownerID uuid.UUID, page, pageSize int) ([]*domain.GenerationTask, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var owned []*domain.GenerationTask
	for _, t := range m.tasks {
		if t.OwnerID == ownerID {
			owned = append(owned, t)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		if owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].ID.String() > owned[j].ID.String()
		}
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})

	start := (page - 1) * pageSize
	if start >= len(owned) {
		return []*domain.GenerationTask{}, len(owned), nil
	}
	end := min(start+pageSize, len(owned))
	out := make([]*domain.GenerationTask, 0, end-start)
	for _, t := range owned[start:end] {
		out = append(out, cloneTask(t))
	}
	return out, len(owned), nil
}

// UpdateStatus applies tr through domain.GenerationTask.Apply, failing with
// UpdateStatusErr when set.
func (m *TaskStore) UpdateStatus(_ context.Context, id uuid.UUID, tr domain.Transition) (*domain.GenerationTask, error) {
	if m.UpdateStatusErr != nil {
		return nil, m.UpdateStatusErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	updated := cloneTask(t)
	if err := updated.Apply(tr, m.now()); err != nil {
		return nil, err
	}
	m.tasks[id] = updated
	return cloneTask(updated), nil
}

// MarkEnqueued sets EnqueuedAt, failing with MarkEnqueuedErr when set.
func (m *TaskStore) MarkEnqueued(_ context.Context, id uuid.UUID, at time.Time) error {
	if m.MarkEnqueuedErr != nil {
		return m.MarkEnqueuedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if t.EnqueuedAt == nil {
		at = at.UTC()
		t.EnqueuedAt = &at
	}
	return nil
}

// FindUnenqueued returns queued tasks without EnqueuedAt created before
// olderThan.
func (m *TaskStore) FindUnenqueued(_ context.Context, olderThan time.Time, limit int) ([]*domain.GenerationTask, error) {
	return m.find(limit, func(t *domain.GenerationTask) bool {
		return t.Status == domain.TaskStatusQueued && t.EnqueuedAt == nil && t.CreatedAt.Before(olderThan)
	}), nil
}

// FindStuckProcessing returns processing tasks last updated before olderThan.
func (m *TaskStore) FindStuckProcessing(_ context.Context, olderThan time.Time, limit int) ([]*domain.GenerationTask, error) {
	return m.find(limit, func(t *domain.GenerationTask) bool {
		return t.Status == domain.TaskStatusProcessing && t.UpdatedAt.Before(olderThan)
	}), nil
}

// WithTx returns the same store; the in-memory store has no transactions.
func (m *TaskStore) WithTx(*sql.Tx) store.TaskStore {
	return m
}

func (m *TaskStore) find(limit int, match func(*domain.GenerationTask) bool) []*domain.GenerationTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.GenerationTask
	for _, t := range m.tasks {
		if match(t) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *TaskStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func cloneTask(t *domain.GenerationTask) *domain.GenerationTask {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.EnqueuedAt != nil {
		at := *t.EnqueuedAt
		c.EnqueuedAt = &at
	}
	return &c
}
