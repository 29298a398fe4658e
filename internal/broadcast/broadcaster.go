// Package broadcast publishes task status changes on per-task Redis pub/sub
// channels and synthesizes snapshots from persisted task state.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/phrazzld/canvas-api/internal/keys"
	"github.com/redis/go-redis/v9"
)

const subscriptionBuffer = 16

// Broadcaster fans task status events out to any number of subscribers.
type Broadcaster struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Broadcaster on top of a Redis client.
func New(rdb redis.UniversalClient, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		rdb:    rdb,
		logger: logger.With(slog.String("component", "broadcaster")),
		now:    time.Now,
	}
}

// Publish announces the task's current persisted state as an update event
// on its status channel. Call it after every recorded transition.
func (b *Broadcaster) Publish(ctx context.Context, task *domain.GenerationTask) error {
	ev := UpdateEvent(task, b.now())
	payload, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("encode status event: %w", err)
	}

	receivers, err := b.rdb.Publish(ctx, keys.StatusChannel(task.ID), payload).Result()
	if err != nil {
		return fmt.Errorf("publish status event for task %s: %w", task.ID, err)
	}

	b.logger.Debug("status event published",
		slog.String("task_id", task.ID.String()),
		slog.String("status", string(task.Status)),
		slog.Int("sequence", ev.Sequence),
		slog.Int64("receivers", receivers))
	return nil
}

// Snapshot synthesizes a snapshot event from the task's persisted state.
func (b *Broadcaster) Snapshot(task *domain.GenerationTask) StatusEvent {
	return eventFromTask(EventSnapshot, task, b.now())
}

// Subscribe listens on the task's status channel. The subscription is
// confirmed by Redis before Subscribe returns, so any event published
// afterwards is delivered. The caller must Close it.
func (b *Broadcaster) Subscribe(ctx context.Context, taskID uuid.UUID) (*Subscription, error) {
	ps := b.rdb.Subscribe(ctx, keys.StatusChannel(taskID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to task %s: %w", taskID, err)
	}

	sub := &Subscription{
		ps:     ps,
		events: make(chan []byte, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	go sub.forward(ps.Channel())
	return sub, nil
}

// Subscription is a live feed of raw status event payloads for one task.
type Subscription struct {
	ps     *redis.PubSub
	events chan []byte
	done   chan struct{}
	once   sync.Once
	err    error
}

// Events returns the payload channel. It is closed after Close or when the
// underlying connection is torn down.
func (s *Subscription) Events() <-chan []byte {
	return s.events
}

// Close unsubscribes and releases the connection. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.ps.Close()
	})
	return s.err
}

func (s *Subscription) forward(ch <-chan *redis.Message) {
	defer close(s.events)
	for msg := range ch {
		select {
		case s.events <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}
