package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/domain"
)

// EventType distinguishes frames on the status stream.
type EventType string

// Event types
const (
	EventSnapshot  EventType = "snapshot"
	EventUpdate    EventType = "update"
	EventHeartbeat EventType = "heartbeat"
)

// StatusEvent is a point-in-time view of a task's status. It is never
// persisted; Sequence comes from the task's Version so snapshots and live
// updates number the same state identically.
type StatusEvent struct {
	Type      EventType         `json:"type"`
	TaskID    uuid.UUID         `json:"task_id"`
	Status    domain.TaskStatus `json:"status,omitempty"`
	Terminal  bool              `json:"terminal"`
	Error     string            `json:"error,omitempty"`
	ResultKey string            `json:"result_key,omitempty"`
	Sequence  int               `json:"sequence,omitempty"`
	SentAt    time.Time         `json:"sent_at"`
}

func eventFromTask(typ EventType, task *domain.GenerationTask, now time.Time) StatusEvent {
	return StatusEvent{
		Type:      typ,
		TaskID:    task.ID,
		Status:    task.Status,
		Terminal:  task.Status.IsTerminal(),
		Error:     task.ErrorMessage,
		ResultKey: task.ResultKey,
		Sequence:  task.Version,
		SentAt:    now.UTC(),
	}
}

// UpdateEvent returns the update event for the stored state of task. It is
// identical to what Publish sends for the same version.
func UpdateEvent(task *domain.GenerationTask, now time.Time) StatusEvent {
	return eventFromTask(EventUpdate, task, now)
}

// HeartbeatEvent returns a liveness frame for taskID. It carries no
// sequence number.
func HeartbeatEvent(taskID uuid.UUID, now time.Time) StatusEvent {
	return StatusEvent{Type: EventHeartbeat, TaskID: taskID, SentAt: now.UTC()}
}

// Encode serializes an event to JSON using the standard library.
func Encode(ev StatusEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// Decode parses a broadcast payload using sonic and checks that it is a
// sequenced status event.
func Decode(data []byte) (StatusEvent, error) {
	var ev StatusEvent
	if err := sonic.Unmarshal(data, &ev); err != nil {
		return StatusEvent{}, fmt.Errorf("decode status event: %w", err)
	}
	if ev.Type != EventUpdate && ev.Type != EventSnapshot {
		return StatusEvent{}, fmt.Errorf("decode status event: unexpected type %q", ev.Type)
	}
	if ev.Sequence < 1 || !ev.Status.Valid() {
		return StatusEvent{}, fmt.Errorf("decode status event: missing sequence or status")
	}
	return ev, nil
}
