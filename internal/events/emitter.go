package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Dispatcher buffers events and delivers them to handlers on its own
// goroutine. It must be started before events are delivered; events emitted
// earlier wait in the buffer.
type Dispatcher struct {
	queue   chan Event
	dropped atomic.Uint64
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers []Handler

	// sendMu orders Emit against closing the queue.
	sendMu sync.RWMutex
	closed bool

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

var _ Emitter = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher holding at most bufferSize pending
// events. A bufferSize below 1 is treated as 1.
func NewDispatcher(bufferSize int, logger *slog.Logger) *Dispatcher {
	if bufferSize < 1 {
		bufferSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:  make(chan Event, bufferSize),
		logger: logger.With("component", "event_dispatcher"),
		done:   make(chan struct{}),
	}
}

// RegisterHandler adds a handler. Handlers run in registration order.
func (d *Dispatcher) RegisterHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
	d.logger.Debug("registered new event handler", "handler_count", len(d.handlers))
}

// Emit queues event without blocking. If the buffer is full, or the
// dispatcher has been stopped, the event is dropped and counted.
func (d *Dispatcher) Emit(event Event) {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- event:
	default:
		n := d.dropped.Add(1)
		d.logger.Warn("event buffer full, dropping event",
			"event_type", event.Type,
			"dropped_total", n)
	}
}

// Dropped returns how many events were discarded so far.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Start launches the drain goroutine. Calling it more than once has no effect.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.drain()
	})
}

// Stop refuses further events, delivers what is buffered and waits for the
// drain goroutine, or for ctx to expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.sendMu.Lock()
		d.closed = true
		close(d.queue)
		d.sendMu.Unlock()
		d.Start()
	})
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) drain() {
	defer close(d.done)
	for event := range d.queue {
		d.dispatch(event)
	}
}

func (d *Dispatcher) dispatch(event Event) {
	d.mu.RLock()
	handlers := make([]Handler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	ctx := context.Background()
	for i, h := range handlers {
		if err := h.HandleEvent(ctx, event); err != nil {
			d.logger.Error("handler failed to process event",
				"error", err,
				"handler_index", i,
				"event_id", event.ID,
				"event_type", event.Type)
		}
	}
}
