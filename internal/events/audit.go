package events

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// AuditHandler writes every event as an INFO log line.
type AuditHandler struct {
	logger *slog.Logger
}

// NewAuditHandler returns a handler logging to logger.
func NewAuditHandler(logger *slog.Logger) *AuditHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditHandler{logger: logger.With("component", "audit")}
}

// HandleEvent implements Handler.
func (h *AuditHandler) HandleEvent(ctx context.Context, event Event) error {
	attrs := []any{
		slog.String("event_id", event.ID.String()),
		slog.String("event_type", string(event.Type)),
		slog.Time("occurred_at", event.OccurredAt),
	}
	if event.TaskID != uuid.Nil {
		attrs = append(attrs, slog.String("task_id", event.TaskID.String()))
	}
	if event.OwnerID != uuid.Nil {
		attrs = append(attrs, slog.String("owner_id", event.OwnerID.String()))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, slog.String(k, v))
	}
	h.logger.InfoContext(ctx, "task event", attrs...)
	return nil
}
