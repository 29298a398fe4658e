package worker

import (
	"github.com/phrazzld/canvas-api/internal/domain"
)

// OutcomeKind tags what happened to one delivery.
type OutcomeKind int

const (
	// OutcomeCompleted means an image was stored and the task completed.
	OutcomeCompleted OutcomeKind = iota
	// OutcomeFailed means the task was moved to failed.
	OutcomeFailed
	// OutcomeCanceled means the task was already terminal, usually canceled,
	// and nothing was done.
	OutcomeCanceled
	// OutcomeDuplicate means another delivery holds the task.
	OutcomeDuplicate
	// OutcomeRetry means the work hit a transient failure and the message
	// should go back on the queue.
	OutcomeRetry
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Outcome is the result of processing one delivery.
type Outcome struct {
	Kind OutcomeKind
	// Status is the task's status after processing, when known.
	Status domain.TaskStatus
	// Reason explains failed, canceled and retry outcomes.
	Reason string
	// Err is the underlying error for failed and retry outcomes.
	Err error
}

func completed() Outcome { return Outcome{Kind: OutcomeCompleted, Status: domain.TaskStatusCompleted} }

func failed(reason string, err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Status: domain.TaskStatusFailed, Reason: reason, Err: err}
}

func skipped(status domain.TaskStatus) Outcome {
	return Outcome{Kind: OutcomeCanceled, Status: status, Reason: "task already " + string(status)}
}

func duplicate() Outcome { return Outcome{Kind: OutcomeDuplicate} }

func retry(reason string, err error) Outcome {
	return Outcome{Kind: OutcomeRetry, Reason: reason, Err: err}
}
