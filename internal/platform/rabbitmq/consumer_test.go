package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/streadway/amqp"
)

func delivery(t *testing.T, ack amqp.Acknowledger, tag uint64, redelivered bool) amqp.Delivery {
	t.Helper()
	body, err := NewTaskMessage(testTask(t, 3)).Encode()
	require.NoError(t, err)
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		Redelivered:  redelivered,
		MessageId:    fmt.Sprintf("msg-%d", tag),
		Body:         body,
	}
}

func runConsumer(t *testing.T, concurrency int, handle Handler) (*fakeChannel, context.CancelFunc, <-chan error) {
	t.Helper()
	broker := &fakeBroker{}
	c := NewConsumer(testBrokerConfig(), concurrency, broker.dial, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, handle) }()

	require.Eventually(t, func() bool { return broker.dials() == 1 }, time.Second, 5*time.Millisecond)
	return broker.channels[0], cancel, done
}

func TestConsumer_Run(t *testing.T) {
	t.Parallel()

	t.Run("settles deliveries by handler result", func(t *testing.T) {
		t.Parallel()
		ack := &fakeAcknowledger{}
		ch, cancel, done := runConsumer(t, 2, func(_ context.Context, msg TaskMessage, redelivered bool) error {
			switch {
			case msg.Prompt == "":
				return errors.New("unexpected empty prompt")
			case redelivered:
				return fmt.Errorf("still failing: %w", ErrRequeue)
			default:
				return nil
			}
		})

		ch.deliveries <- delivery(t, ack, 1, false)
		ch.deliveries <- delivery(t, ack, 2, true)
		ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: []byte("garbage")}

		require.Eventually(t, func() bool {
			a, n, _ := ack.counts()
			return a == 1 && n == 2
		}, time.Second, 5*time.Millisecond)

		cancel()
		require.NoError(t, <-done)
		assert.True(t, ch.canceled)
		assert.True(t, ch.closed)
		assert.Equal(t, 2, ch.qos)
	})

	t.Run("first failure with ErrRequeue is requeued", func(t *testing.T) {
		t.Parallel()
		ack := &fakeAcknowledger{}
		ch, cancel, done := runConsumer(t, 1, func(context.Context, TaskMessage, bool) error {
			return ErrRequeue
		})

		ch.deliveries <- delivery(t, ack, 1, false)
		require.Eventually(t, func() bool {
			_, _, r := ack.counts()
			return r == 1
		}, time.Second, 5*time.Millisecond)

		cancel()
		require.NoError(t, <-done)
	})

	t.Run("concurrency is bounded", func(t *testing.T) {
		t.Parallel()
		ack := &fakeAcknowledger{}
		var inFlight, peak atomic.Int32
		release := make(chan struct{})
		ch, cancel, done := runConsumer(t, 2, func(context.Context, TaskMessage, bool) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			return nil
		})

		for i := uint64(1); i <= 5; i++ {
			ch.deliveries <- delivery(t, ack, i, false)
		}
		require.Eventually(t, func() bool { return inFlight.Load() == 2 }, time.Second, 5*time.Millisecond)
		close(release)
		require.Eventually(t, func() bool {
			a, _, _ := ack.counts()
			return a == 5
		}, time.Second, 5*time.Millisecond)

		cancel()
		require.NoError(t, <-done)
		assert.Equal(t, int32(2), peak.Load())
	})

	t.Run("closed delivery channel is an error", func(t *testing.T) {
		t.Parallel()
		ch, cancel, done := runConsumer(t, 1, func(context.Context, TaskMessage, bool) error { return nil })
		defer cancel()

		close(ch.deliveries)
		assert.Error(t, <-done)
	})
}
