package rabbitmq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/domain"
)

// MessageType is the AMQP type of a generation request.
const MessageType = "generation.requested"

// TaskMessage is the body of a generation request. TaskID doubles as the
// AMQP message id so consumers can de-duplicate redeliveries.
type TaskMessage struct {
	TaskID        uuid.UUID         `json:"task_id"`
	OwnerID       uuid.UUID         `json:"owner_id"`
	Priority      int               `json:"priority"`
	Prompt        string            `json:"prompt"`
	Parameters    domain.Parameters `json:"parameters"`
	StorageBucket string            `json:"storage_bucket"`
	StorageKey    string            `json:"storage_key"`
	CreatedAt     time.Time         `json:"created_at"`
}

// NewTaskMessage builds the request message for a persisted task.
func NewTaskMessage(task *domain.GenerationTask) TaskMessage {
	return TaskMessage{
		TaskID:        task.ID,
		OwnerID:       task.OwnerID,
		Priority:      task.Priority,
		Prompt:        task.Prompt,
		Parameters:    task.Parameters,
		StorageBucket: task.Input.Bucket,
		StorageKey:    task.Input.Key,
		CreatedAt:     task.CreatedAt,
	}
}

// Encode serializes the message using the standard library.
func (m TaskMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeTaskMessage parses a message body using sonic.
func DecodeTaskMessage(body []byte) (TaskMessage, error) {
	var m TaskMessage
	if err := sonic.Unmarshal(body, &m); err != nil {
		return TaskMessage{}, fmt.Errorf("decode task message: %w", err)
	}
	if m.TaskID == uuid.Nil || m.OwnerID == uuid.Nil {
		return TaskMessage{}, fmt.Errorf("decode task message: missing task or owner id")
	}
	return m, nil
}
