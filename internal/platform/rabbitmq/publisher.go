package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/canvas-api/internal/config"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/phrazzld/canvas-api/internal/platform/logger"
	"github.com/sethvargo/go-retry"
	"github.com/streadway/amqp"
)

// ErrPublishFailed is returned when a message was not confirmed by the
// broker after every retry.
var ErrPublishFailed = errors.New("publish failed")

// maxRetryDelay caps the exponential backoff between publish attempts.
const maxRetryDelay = 5 * time.Second

var (
	errConfirmTimeout = errors.New("broker confirm timed out")
	errNacked         = errors.New("broker nacked message")
	errChannelClosed  = errors.New("confirm channel closed")
)

// Publisher sends generation requests to the broker in confirm mode. A
// publish only succeeds once the broker has acknowledged it.
//
// Publishes are serialized on one channel so delivery tags and confirms
// line up one to one.
type Publisher struct {
	url            string
	dial           Dialer
	topology       Topology
	retries        uint64
	retryBase      time.Duration
	confirmTimeout time.Duration
	logger         *slog.Logger

	mu       sync.Mutex
	session  *Session
	confirms chan amqp.Confirmation
	tag      uint64
}

// NewPublisher creates a Publisher. The connection is opened lazily on the
// first publish and re-opened after any channel failure. A nil dial uses Dial.
func NewPublisher(cfg config.BrokerConfig, dial Dialer, logger *slog.Logger) *Publisher {
	if dial == nil {
		dial = Dial
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		url:            cfg.URL,
		dial:           dial,
		topology:       TopologyFromConfig(cfg),
		retries:        cfg.PublishRetries,
		retryBase:      cfg.RetryBase,
		confirmTimeout: cfg.ConfirmTimeout,
		logger:         logger.With(slog.String("component", "task_publisher")),
	}
}

// Publish sends a generation request for task. The message carries the
// task's priority and is marked persistent.
func (p *Publisher) Publish(ctx context.Context, task *domain.GenerationTask) error {
	log := logger.FromContextOrDefault(ctx, p.logger).With(slog.String("task_id", task.ID.String()))

	body, err := NewTaskMessage(task).Encode()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     uint8(task.Priority),
		MessageId:    task.ID.String(),
		Timestamp:    task.CreatedAt,
		Type:         MessageType,
		Body:         body,
	}

	backoff := retry.WithMaxRetries(p.retries,
		retry.WithCappedDuration(maxRetryDelay, retry.NewExponential(p.retryBase)))

	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := p.publishOnce(ctx, msg); err != nil {
			log.Warn("publish attempt failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		log.Error("giving up on publish",
			slog.Int("attempts", attempt),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	log.Debug("task published", slog.Int("priority", task.Priority), slog.Int("attempts", attempt))
	return nil
}

func (p *Publisher) publishOnce(ctx context.Context, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureSession(); err != nil {
		return err
	}

	if err := p.session.Channel.Publish(p.topology.Exchange, p.topology.RoutingKey, false, false, msg); err != nil {
		p.resetSession()
		return fmt.Errorf("publish: %w", err)
	}
	p.tag++
	want := p.tag

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case c, ok := <-p.confirms:
		if !ok {
			p.resetSession()
			return errChannelClosed
		}
		if c.DeliveryTag != want {
			p.resetSession()
			return fmt.Errorf("confirm for delivery %d, expected %d", c.DeliveryTag, want)
		}
		if !c.Ack {
			return errNacked
		}
		return nil
	case <-timer.C:
		// A late confirm would be matched against the wrong tag; start over.
		p.resetSession()
		return errConfirmTimeout
	case <-ctx.Done():
		p.resetSession()
		return ctx.Err()
	}
}

func (p *Publisher) ensureSession() error {
	if p.session != nil {
		return nil
	}

	s, err := p.dial(p.url)
	if err != nil {
		return err
	}
	if err := p.topology.Declare(s.Channel); err != nil {
		_ = s.Close()
		return err
	}
	if err := s.Channel.Confirm(false); err != nil {
		_ = s.Close()
		return fmt.Errorf("enable confirms: %w", err)
	}

	p.session = s
	p.confirms = s.Channel.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.tag = 0
	return nil
}

func (p *Publisher) resetSession() {
	if p.session == nil {
		return
	}
	if err := p.session.Close(); err != nil {
		p.logger.Debug("error closing broker session", slog.String("error", err.Error()))
	}
	p.session = nil
	p.confirms = nil
}

// Close releases the broker connection, if one is open.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil
	}
	err := p.session.Close()
	p.session = nil
	p.confirms = nil
	return err
}
