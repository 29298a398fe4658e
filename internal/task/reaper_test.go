package task_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/config"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/phrazzld/canvas-api/internal/mocks"
	"github.com/phrazzld/canvas-api/internal/service"
	"github.com/phrazzld/canvas-api/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reaperFixture struct {
	reaper      *task.Reaper
	tasks       *mocks.TaskStore
	subs        *mocks.SubscriptionStore
	broadcaster *mocks.Publisher
	owner       uuid.UUID
}

func newReaperFixture(t *testing.T, cfg config.ReaperConfig) *reaperFixture {
	t.Helper()
	owner := uuid.New()
	f := &reaperFixture{
		tasks:       mocks.NewTaskStore(),
		subs:        mocks.NewSubscriptionStore(&domain.Subscription{UserID: owner, Tier: domain.TierFree, QuotaLimit: 10, QuotaUsed: 4}),
		broadcaster: &mocks.Publisher{},
		owner:       owner,
	}
	status, err := service.NewStatusService(f.tasks, f.broadcaster, nil, nil)
	require.NoError(t, err)
	f.reaper = task.NewReaper(f.tasks, status, service.NewQuotaGate(f.subs, nil), cfg, nil)
	return f
}

func (f *reaperFixture) add(t *testing.T, age time.Duration, mutate func(*domain.GenerationTask)) *domain.GenerationTask {
	t.Helper()
	params, err := domain.ParameterInput{}.Resolve(func() int64 { return 1 })
	require.NoError(t, err)
	created := time.Now().Add(-age)
	gt, err := domain.NewGenerationTask(f.owner, "prompt", params, 1, "bucket", created)
	require.NoError(t, err)
	if mutate != nil {
		mutate(gt)
	}
	f.tasks.Put(gt)
	return gt
}

func (f *reaperFixture) quotaUsed(t *testing.T) int {
	t.Helper()
	sub, err := f.subs.Get(context.Background(), f.owner)
	require.NoError(t, err)
	return sub.QuotaUsed
}

func defaultReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Interval:           time.Hour,
		EnqueueGrace:       5 * time.Minute,
		StuckProcessingAge: 30 * time.Minute,
		BatchSize:          10,
	}
}

func TestReaper_Sweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newReaperFixture(t, defaultReaperConfig())

	enqueuedAt := time.Now().Add(-time.Hour)
	neverQueued := f.add(t, time.Hour, nil)
	fresh := f.add(t, time.Minute, nil)
	confirmed := f.add(t, time.Hour, func(gt *domain.GenerationTask) { gt.EnqueuedAt = &enqueuedAt })
	stuck := f.add(t, 2*time.Hour, func(gt *domain.GenerationTask) {
		gt.EnqueuedAt = &enqueuedAt
		gt.Status = domain.TaskStatusProcessing
		gt.Version = 2
	})
	busy := f.add(t, 2*time.Hour, func(gt *domain.GenerationTask) {
		gt.EnqueuedAt = &enqueuedAt
		gt.Status = domain.TaskStatusProcessing
		gt.UpdatedAt = time.Now()
	})

	res := f.reaper.Sweep(ctx)
	assert.Equal(t, task.SweepResult{Unenqueued: 1, Stuck: 1}, res)

	got, _ := f.tasks.GetByID(ctx, neverQueued.ID)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Equal(t, task.ReasonNeverEnqueued, got.ErrorMessage)

	got, _ = f.tasks.GetByID(ctx, stuck.ID)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Equal(t, task.ReasonStuckProcessing, got.ErrorMessage)
	assert.Equal(t, 3, got.Version)

	for _, id := range []uuid.UUID{fresh.ID, confirmed.ID} {
		got, _ = f.tasks.GetByID(ctx, id)
		assert.Equal(t, domain.TaskStatusQueued, got.Status)
	}
	got, _ = f.tasks.GetByID(ctx, busy.ID)
	assert.Equal(t, domain.TaskStatusProcessing, got.Status)

	assert.Equal(t, 2, f.quotaUsed(t), "both reaped tasks credited")
	assert.Len(t, f.broadcaster.Published(), 2)

	assert.Equal(t, task.SweepResult{}, f.reaper.Sweep(ctx), "second sweep finds nothing")
	assert.Equal(t, 2, f.quotaUsed(t))
}

func TestReaper_ReleaseFailureCounted(t *testing.T) {
	t.Parallel()
	f := newReaperFixture(t, defaultReaperConfig())
	f.add(t, time.Hour, nil)
	f.subs.ReleaseErr = errors.New("connection refused")

	res := f.reaper.Sweep(context.Background())
	assert.Equal(t, 0, res.Unenqueued)
	assert.Equal(t, 1, res.Errors)
}

func TestReaper_StartStop(t *testing.T) {
	t.Parallel()
	cfg := defaultReaperConfig()
	cfg.Interval = 10 * time.Millisecond
	f := newReaperFixture(t, cfg)
	old := f.add(t, time.Hour, nil)

	f.reaper.Start()
	f.reaper.Start()
	require.Eventually(t, func() bool {
		got, err := f.tasks.GetByID(context.Background(), old.ID)
		return err == nil && got.Status == domain.TaskStatusFailed
	}, time.Second, 5*time.Millisecond)
	f.reaper.Stop()

	assert.Equal(t, 3, f.quotaUsed(t))
}
