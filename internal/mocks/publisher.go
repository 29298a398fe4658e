package mocks

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/domain"
)

// Publisher records published tasks. It stands in for both the broker
// publisher and the status broadcaster, which share the Publish signature.
type Publisher struct {
	// PublishFn allows test cases to mock the Publish behavior
	PublishFn func(ctx context.Context, task *domain.GenerationTask) error

	// Err is returned when PublishFn is nil.
	Err error

	mu        sync.Mutex
	published []domain.GenerationTask
}

// Publish records a copy of task.
func (m *Publisher) Publish(ctx context.Context, task *domain.GenerationTask) error {
	m.mu.Lock()
	m.published = append(m.published, *cloneTask(task))
	m.mu.Unlock()

	if m.PublishFn != nil {
		return m.PublishFn(ctx, task)
	}
	return m.Err
}

// Published returns every task passed to Publish, in call order.
func (m *Publisher) Published() []domain.GenerationTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.GenerationTask(nil), m.published...)
}

// PublishedFor returns the recorded statuses for one task, in call order.
func (m *Publisher) PublishedFor(id uuid.UUID) []domain.TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TaskStatus
	for _, t := range m.published {
		if t.ID == id {
			out = append(out, t.Status)
		}
	}
	return out
}

// Count returns how many times Publish was called.
func (m *Publisher) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}
