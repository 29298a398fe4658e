package rabbitmq

import (
	"errors"
	"sync"

	"github.com/streadway/amqp"
)

type confirmMode int

const (
	confirmAck confirmMode = iota
	confirmNack
	confirmNone
	confirmWrongTag
)

type fakeChannel struct {
	mu         sync.Mutex
	exchanges  map[string]string
	queues     map[string]amqp.Table
	bindings   map[string]string
	published  []amqp.Publishing
	confirms   chan amqp.Confirmation
	tag        uint64
	modes      []confirmMode
	publishErr error
	qos        int
	canceled   bool
	closed     bool
	deliveries chan amqp.Delivery
}

func newFakeChannel(modes ...confirmMode) *fakeChannel {
	return &fakeChannel{
		exchanges:  map[string]string{},
		queues:     map[string]amqp.Table{},
		bindings:   map[string]string{},
		modes:      modes,
		deliveries: make(chan amqp.Delivery, 16),
	}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges[name] = kind
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings[name] = exchange + "/" + key
	return nil
}

func (f *fakeChannel) Confirm(bool) error { return nil }

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = c
	return c
}

func (f *fakeChannel) Publish(_, _ string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	f.tag++

	mode := confirmAck
	if len(f.modes) > 0 {
		mode = f.modes[0]
		f.modes = f.modes[1:]
	}
	switch mode {
	case confirmAck:
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: true}
	case confirmNack:
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: false}
	case confirmWrongTag:
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag + 7, Ack: true}
	case confirmNone:
	}
	return nil
}

func (f *fakeChannel) Qos(prefetch, _ int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qos = prefetch
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(string, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = true
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// fakeBroker hands out a fresh channel per dial, each scripted with the next
// set of confirm modes.
type fakeBroker struct {
	mu       sync.Mutex
	scripts  [][]confirmMode
	channels []*fakeChannel
	dialErrs int
}

func (b *fakeBroker) dial(string) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dialErrs > 0 {
		b.dialErrs--
		return nil, errors.New("connection refused")
	}
	var modes []confirmMode
	if len(b.scripts) > 0 {
		modes = b.scripts[0]
		b.scripts = b.scripts[1:]
	}
	ch := newFakeChannel(modes...)
	b.channels = append(b.channels, ch)
	return &Session{Channel: ch}, nil
}

func (b *fakeBroker) dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

type fakeAcknowledger struct {
	mu       sync.Mutex
	acked    []uint64
	nacked   []uint64
	requeued []uint64
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.requeued = append(a.requeued, tag)
	} else {
		a.nacked = append(a.nacked, tag)
	}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) counts() (acked, nacked, requeued int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked), len(a.nacked), len(a.requeued)
}
