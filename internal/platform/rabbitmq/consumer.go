package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phrazzld/canvas-api/internal/config"
	"github.com/streadway/amqp"
)

// ErrRequeue asks the consumer to put a message back on the queue. A message
// that was already redelivered once is dead-lettered instead.
var ErrRequeue = errors.New("requeue message")

// Handler processes one generation request. Returning nil acks the message.
// Any other error dead-letters it unless it wraps ErrRequeue.
type Handler func(ctx context.Context, msg TaskMessage, redelivered bool) error

// Consumer pulls generation requests off the work queue with bounded
// concurrency.
type Consumer struct {
	url         string
	dial        Dialer
	topology    Topology
	concurrency int
	tag         string
	logger      *slog.Logger
}

// NewConsumer creates a Consumer. Concurrency below 1 is treated as 1.
func NewConsumer(cfg config.BrokerConfig, concurrency int, dial Dialer, logger *slog.Logger) *Consumer {
	if dial == nil {
		dial = Dial
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		url:         cfg.URL,
		dial:        dial,
		topology:    TopologyFromConfig(cfg),
		concurrency: concurrency,
		tag:         "canvas-worker",
		logger:      logger.With(slog.String("component", "task_consumer")),
	}
}

// Run consumes until ctx is canceled or the broker closes the delivery
// channel. In-flight handlers are waited for before Run returns.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	s, err := c.dial(c.url)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			c.logger.Debug("error closing broker session", slog.String("error", err.Error()))
		}
	}()

	if err := c.topology.Declare(s.Channel); err != nil {
		return err
	}
	if err := s.Channel.Qos(c.concurrency, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := s.Channel.Consume(c.topology.Queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.logger.Info("consuming generation requests",
		slog.String("queue", c.topology.Queue),
		slog.Int("concurrency", c.concurrency))

	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			if err := s.Channel.Cancel(c.tag, false); err != nil {
				c.logger.Debug("error canceling consumer", slog.String("error", err.Error()))
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Unacked; the broker redelivers it once the channel closes.
				return nil
			}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				c.handle(ctx, d, handle)
			}(d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, handle Handler) {
	log := c.logger.With(slog.String("message_id", d.MessageId))

	msg, err := DecodeTaskMessage(d.Body)
	if err != nil {
		log.Error("dead-lettering undecodable message", slog.String("error", err.Error()))
		c.settle(log, d.Nack(false, false))
		return
	}

	err = handle(ctx, msg, d.Redelivered)
	switch {
	case err == nil:
		c.settle(log, d.Ack(false))
	case errors.Is(err, ErrRequeue) && !d.Redelivered:
		log.Warn("requeueing message", slog.String("error", err.Error()))
		c.settle(log, d.Nack(false, true))
	default:
		log.Error("dead-lettering message", slog.String("error", err.Error()))
		c.settle(log, d.Nack(false, false))
	}
}

func (c *Consumer) settle(log *slog.Logger, err error) {
	if err != nil {
		log.Error("failed to settle delivery", slog.String("error", err.Error()))
	}
}
