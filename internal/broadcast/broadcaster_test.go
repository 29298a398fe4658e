package broadcast

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniClient(t *testing.T) *redis.Client {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func newTestBroadcaster(t *testing.T) *Broadcaster {
	t.Helper()
	return New(newMiniClient(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func queuedTask(t *testing.T) *domain.GenerationTask {
	t.Helper()
	params, err := domain.ParameterInput{}.Resolve(func() int64 { return 1 })
	require.NoError(t, err)
	task, err := domain.NewGenerationTask(uuid.New(), "harbor at night", params, 1, "canvas", time.Now())
	require.NoError(t, err)
	return task
}

func receive(t *testing.T, sub *Subscription) StatusEvent {
	t.Helper()
	select {
	case payload, ok := <-sub.Events():
		require.True(t, ok, "subscription closed early")
		ev, err := Decode(payload)
		require.NoError(t, err)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status event")
		return StatusEvent{}
	}
}

func TestBroadcaster_SnapshotMatchesPersistedState(t *testing.T) {
	b := newTestBroadcaster(t)
	task := queuedTask(t)

	snap := b.Snapshot(task)
	require.Equal(t, EventSnapshot, snap.Type)
	require.Equal(t, 1, snap.Sequence)
	require.False(t, snap.Terminal)
	require.Equal(t, domain.TaskStatusQueued, snap.Status)

	require.NoError(t, task.Apply(domain.Transition{Status: domain.TaskStatusProcessing}, time.Now()))
	require.NoError(t, task.Apply(domain.Transition{Status: domain.TaskStatusFailed, ErrorMessage: "gpu lost"}, time.Now()))

	snap = b.Snapshot(task)
	require.Equal(t, 3, snap.Sequence)
	require.True(t, snap.Terminal)
	require.Equal(t, "gpu lost", snap.Error)
}

func TestBroadcaster_PublishFansOutToAllSubscribers(t *testing.T) {
	b := newTestBroadcaster(t)
	task := queuedTask(t)
	ctx := context.Background()

	first, err := b.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer func() { _ = first.Close() }()
	second, err := b.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	require.NoError(t, task.Apply(domain.Transition{Status: domain.TaskStatusProcessing}, time.Now()))
	require.NoError(t, b.Publish(ctx, task))
	require.NoError(t, task.Apply(domain.Transition{Status: domain.TaskStatusCompleted, ResultKey: "output/a.png"}, time.Now()))
	require.NoError(t, b.Publish(ctx, task))

	for _, sub := range []*Subscription{first, second} {
		ev := receive(t, sub)
		require.Equal(t, EventUpdate, ev.Type)
		require.Equal(t, 2, ev.Sequence)
		require.Equal(t, domain.TaskStatusProcessing, ev.Status)

		ev = receive(t, sub)
		require.Equal(t, 3, ev.Sequence)
		require.True(t, ev.Terminal)
		require.Equal(t, "output/a.png", ev.ResultKey)
		require.Equal(t, task.ID, ev.TaskID)
	}
}

func TestBroadcaster_ChannelsAreIsolatedPerTask(t *testing.T) {
	b := newTestBroadcaster(t)
	ctx := context.Background()
	watched, other := queuedTask(t), queuedTask(t)

	sub, err := b.Subscribe(ctx, watched.ID)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, b.Publish(ctx, other))
	require.NoError(t, b.Publish(ctx, watched))

	ev := receive(t, sub)
	require.Equal(t, watched.ID, ev.TaskID)
}

func TestSubscription_CloseIsIdempotentAndClosesEvents(t *testing.T) {
	b := newTestBroadcaster(t)
	sub, err := b.Subscribe(context.Background(), uuid.New())
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Events():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestSubscribe_FailsWhenRedisIsDown(t *testing.T) {
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	s.Close()

	b := New(rdb, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := b.Subscribe(ctx, uuid.New())
	require.Error(t, err)
}
