package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type names a lifecycle event.
type Type string

// Event types emitted by the task services.
const (
	TaskSubmitted    Type = "task.submitted"
	TaskRejected     Type = "task.rejected"
	TaskTransitioned Type = "task.transitioned"
	TaskReconciled   Type = "task.reconciled"
)

// Event is one instrumentation record.
type Event struct {
	ID         uuid.UUID         `json:"id"`
	Type       Type              `json:"type"`
	TaskID     uuid.UUID         `json:"task_id,omitempty"`
	OwnerID    uuid.UUID         `json:"owner_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// New creates an event stamped with a fresh ID and the current time.
func New(eventType Type, taskID, ownerID uuid.UUID, attrs map[string]string) Event {
	return Event{
		ID:         uuid.New(),
		Type:       eventType,
		TaskID:     taskID,
		OwnerID:    ownerID,
		Attributes: attrs,
		OccurredAt: time.Now().UTC(),
	}
}

// Handler consumes dispatched events. Errors are logged by the dispatcher
// and never reach the emitter.
type Handler interface {
	HandleEvent(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Emitter is what services depend on to record events.
type Emitter interface {
	Emit(event Event)
}

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}
