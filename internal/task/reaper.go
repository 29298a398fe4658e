package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/config"
	"github.com/phrazzld/canvas-api/internal/domain"
)

// Failure messages recorded on reaped tasks.
const (
	ReasonNeverEnqueued   = "task was never queued"
	ReasonStuckProcessing = "task timed out while processing"
)

// TaskFinder lists tasks the reaper may need to fail.
type TaskFinder interface {
	FindUnenqueued(ctx context.Context, olderThan time.Time, limit int) ([]*domain.GenerationTask, error)
	FindStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*domain.GenerationTask, error)
}

// Transitioner records status changes; service.StatusService satisfies it.
type Transitioner interface {
	Transition(ctx context.Context, id uuid.UUID, tr domain.Transition) (*domain.GenerationTask, error)
}

// QuotaReleaser credits a quota unit back; service.QuotaGate satisfies it.
type QuotaReleaser interface {
	Release(ctx context.Context, ownerID uuid.UUID) error
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Unenqueued int
	Stuck      int
	Errors     int
}

// Reaper periodically fails submissions that were charged but will never
// finish: tasks the broker never confirmed and tasks a worker abandoned.
// Each reaped task gets its quota unit back.
type Reaper struct {
	tasks  TaskFinder
	status Transitioner
	quota  QuotaReleaser
	cfg    config.ReaperConfig
	logger *slog.Logger
	now    func() time.Time

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
}

// NewReaper creates a Reaper. It does nothing until Start.
func NewReaper(tasks TaskFinder, status Transitioner, quota QuotaReleaser, cfg config.ReaperConfig, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reaper{
		tasks:      tasks,
		status:     status,
		quota:      quota,
		cfg:        cfg,
		logger:     logger.With("component", "task_reaper"),
		now:        time.Now,
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Start sweeps once right away, covering anything left by a previous run,
// and then every configured interval.
func (r *Reaper) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.run()
	})
}

// Stop ends the sweep loop and waits for an in-progress sweep to finish.
func (r *Reaper) Stop() {
	r.cancelFunc()
	r.wg.Wait()
}

func (r *Reaper) run() {
	defer r.wg.Done()

	r.Sweep(r.ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.ctx)
		}
	}
}

// Sweep runs one reconciliation pass.
func (r *Reaper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := r.now()

	unenqueued, err := r.tasks.FindUnenqueued(ctx, now.Add(-r.cfg.EnqueueGrace), r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("failed to find unqueued tasks", "error", err)
		res.Errors++
	}
	for _, t := range unenqueued {
		if r.reap(ctx, t, ReasonNeverEnqueued) {
			res.Unenqueued++
		} else {
			res.Errors++
		}
	}

	stuck, err := r.tasks.FindStuckProcessing(ctx, now.Add(-r.cfg.StuckProcessingAge), r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("failed to find stuck tasks", "error", err)
		res.Errors++
	}
	for _, t := range stuck {
		if r.reap(ctx, t, ReasonStuckProcessing) {
			res.Stuck++
		} else {
			res.Errors++
		}
	}

	if res.Unenqueued+res.Stuck+res.Errors > 0 {
		r.logger.Info("reaper sweep finished",
			"unenqueued", res.Unenqueued,
			"stuck", res.Stuck,
			"errors", res.Errors)
	}
	return res
}

// reap fails one task and credits its owner. A task that moved on since it
// was listed is left alone and counts as handled.
func (r *Reaper) reap(ctx context.Context, t *domain.GenerationTask, reason string) bool {
	log := r.logger.With("task_id", t.ID, "owner_id", t.OwnerID, "status", t.Status)

	_, err := r.status.Transition(ctx, t.ID, domain.Transition{
		Status:       domain.TaskStatusFailed,
		ErrorMessage: reason,
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		log.Debug("task settled before it could be reaped")
		return true
	}
	if err != nil {
		log.Error("failed to reap task", "error", err)
		return false
	}

	if err := r.quota.Release(ctx, t.OwnerID); err != nil {
		log.Error("reaped task but did not credit quota", "error", err)
		return false
	}
	log.Warn("reaped task", "reason", reason)
	return true
}
