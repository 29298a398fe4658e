package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/phrazzld/canvas-api/internal/platform/logger"
	"github.com/phrazzld/canvas-api/internal/store"
)

const taskColumns = `id, owner_id, prompt, parameters, status, priority, input_bucket, input_key,
	result_key, error_message, metadata, version, enqueued_at, created_at, updated_at`

// PostgresTaskStore implements the store.TaskStore interface
// using a PostgreSQL database as the storage backend.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresTaskStore creates a new PostgreSQL implementation of the TaskStore interface.
// It accepts a database connection or transaction that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresTaskStore(db store.DBTX, logger *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "task_store")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Ensure PostgresTaskStore implements store.TaskStore interface
var _ store.TaskStore = (*PostgresTaskStore)(nil)

// WithTx implements store.TaskStore.WithTx
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &PostgresTaskStore{db: tx, logger: s.logger, now: s.now}
}

// Create implements store.TaskStore.Create
func (s *PostgresTaskStore) Create(ctx context.Context, task *domain.GenerationTask) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.Validate(); err != nil {
		log.Warn("task validation failed during create",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	params, err := json.Marshal(task.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	metadata, err := encodeMetadata(task.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO generation_tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		task.OwnerID,
		task.Prompt,
		params,
		string(task.Status),
		task.Priority,
		task.Input.Bucket,
		task.Input.Key,
		nullString(task.ResultKey),
		nullString(task.ErrorMessage),
		metadata,
		task.Version,
		nullTime(task.EnqueuedAt),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to create task",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()),
			slog.String("owner_id", task.OwnerID.String()))
		return MapError(err)
	}

	log.Debug("task created",
		slog.String("task_id", task.ID.String()),
		slog.Int("priority", task.Priority))
	return nil
}

// GetByID implements store.TaskStore.GetByID
func (s *PostgresTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.GenerationTask, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM generation_tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("task not found", slog.String("task_id", id.String()))
			return nil, store.ErrTaskNotFound
		}
		log.Error("failed to get task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return nil, MapError(err)
	}
	return task, nil
}

// ListByOwner implements store.TaskStore.ListByOwner
func (s *PostgresTaskStore) ListByOwner(
	ctx context.Context,
	ownerID uuid.UUID,
	page, pageSize int,
) ([]*domain.GenerationTask, int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if page < 1 || pageSize < 1 {
		return nil, 0, fmt.Errorf("%w: page and page size must be positive", store.ErrInvalidEntity)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM generation_tasks WHERE owner_id = $1`, ownerID,
	).Scan(&total); err != nil {
		log.Error("failed to count tasks",
			slog.String("error", err.Error()),
			slog.String("owner_id", ownerID.String()))
		return nil, 0, MapError(err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM generation_tasks
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, ownerID, pageSize, (page-1)*pageSize)
	if err != nil {
		log.Error("failed to list tasks",
			slog.String("error", err.Error()),
			slog.String("owner_id", ownerID.String()))
		return nil, 0, MapError(err)
	}

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// UpdateStatus implements store.TaskStore.UpdateStatus.
//
// The transition is a single conditional UPDATE whose WHERE clause only
// matches rows in a status the target may be reached from, so concurrent
// callers cannot both move the same task. When nothing matches, a follow-up
// read tells a missing task apart from a rejected transition.
func (s *PostgresTaskStore) UpdateStatus(
	ctx context.Context,
	id uuid.UUID,
	tr domain.Transition,
) (*domain.GenerationTask, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := tr.Validate(); err != nil {
		return nil, err
	}

	from := allowedSources(tr.Status)
	if len(from) == 0 {
		return nil, s.rejectTransition(ctx, id, tr.Status)
	}
	args := []any{id, string(tr.Status), nullString(tr.ResultKey), nullString(tr.ErrorMessage), s.now()}
	placeholders := make([]string, len(from))
	for i, st := range from {
		args = append(args, string(st))
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	query := `
		UPDATE generation_tasks
		SET status = $2,
			result_key = $3,
			error_message = $4,
			version = version + 1,
			updated_at = GREATEST(updated_at, $5)
		WHERE id = $1 AND status IN (` + strings.Join(placeholders, ", ") + `)
		RETURNING ` + taskColumns

	task, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		log.Debug("task status updated",
			slog.String("task_id", id.String()),
			slog.String("status", string(task.Status)),
			slog.Int("version", task.Version))
		return task, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		log.Error("failed to update task status",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()),
			slog.String("status", string(tr.Status)))
		return nil, MapError(err)
	}

	return nil, s.rejectTransition(ctx, id, tr.Status)
}

// rejectTransition reports why a transition to `to` matched no row: the task
// is missing, or its current status does not allow the move.
func (s *PostgresTaskStore) rejectTransition(ctx context.Context, id uuid.UUID, to domain.TaskStatus) error {
	current, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	logger.FromContextOrDefault(ctx, s.logger).Warn("rejected status transition",
		slog.String("task_id", id.String()),
		slog.String("from", string(current.Status)),
		slog.String("to", string(to)))
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.Status, to)
}

// MarkEnqueued implements store.TaskStore.MarkEnqueued
func (s *PostgresTaskStore) MarkEnqueued(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE generation_tasks SET enqueued_at = $2 WHERE id = $1 AND enqueued_at IS NULL`,
		id, at.UTC())
	if err != nil {
		return MapError(err)
	}
	if err := CheckRowsAffected(result, nil); err != nil {
		// Already marked is not an error; only a missing task is.
		if _, getErr := s.GetByID(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// FindUnenqueued implements store.TaskStore.FindUnenqueued
func (s *PostgresTaskStore) FindUnenqueued(
	ctx context.Context,
	olderThan time.Time,
	limit int,
) ([]*domain.GenerationTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM generation_tasks
		WHERE status = $1 AND enqueued_at IS NULL AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, string(domain.TaskStatusQueued), olderThan.UTC(), limit)
	if err != nil {
		return nil, MapError(err)
	}
	return scanTasks(rows)
}

// FindStuckProcessing implements store.TaskStore.FindStuckProcessing
func (s *PostgresTaskStore) FindStuckProcessing(
	ctx context.Context,
	olderThan time.Time,
	limit int,
) ([]*domain.GenerationTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM generation_tasks
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, string(domain.TaskStatusProcessing), olderThan.UTC(), limit)
	if err != nil {
		return nil, MapError(err)
	}
	return scanTasks(rows)
}

// allowedSources lists the statuses from which to may be reached.
func allowedSources(to domain.TaskStatus) []domain.TaskStatus {
	var from []domain.TaskStatus
	for _, st := range []domain.TaskStatus{
		domain.TaskStatusQueued,
		domain.TaskStatusProcessing,
		domain.TaskStatusCompleted,
		domain.TaskStatusFailed,
		domain.TaskStatusCanceled,
	} {
		if domain.CanTransition(st, to) {
			from = append(from, st)
		}
	}
	return from
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.GenerationTask, error) {
	var (
		task         domain.GenerationTask
		params       []byte
		status       string
		resultKey    sql.NullString
		errorMessage sql.NullString
		metadata     []byte
		enqueuedAt   sql.NullTime
	)

	if err := row.Scan(
		&task.ID,
		&task.OwnerID,
		&task.Prompt,
		&params,
		&status,
		&task.Priority,
		&task.Input.Bucket,
		&task.Input.Key,
		&resultKey,
		&errorMessage,
		&metadata,
		&task.Version,
		&enqueuedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(params, &task.Parameters); err != nil {
		return nil, fmt.Errorf("failed to decode parameters of task %s: %w", task.ID, err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &task.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of task %s: %w", task.ID, err)
		}
	}
	task.Status = domain.TaskStatus(status)
	task.ResultKey = resultKey.String
	task.ErrorMessage = errorMessage.String
	if enqueuedAt.Valid {
		at := enqueuedAt.Time.UTC()
		task.EnqueuedAt = &at
	}
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*domain.GenerationTask, error) {
	defer func() { _ = rows.Close() }()

	tasks := make([]*domain.GenerationTask, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
