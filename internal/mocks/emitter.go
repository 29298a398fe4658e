package mocks

import (
	"sync"

	"github.com/phrazzld/canvas-api/internal/events"
)

// Emitter records emitted events.
type Emitter struct {
	mu     sync.Mutex
	events []events.Event
}

// Emit implements events.Emitter.
func (m *Emitter) Emit(e events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// Types returns the emitted event types in order.
func (m *Emitter) Types() []events.Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.Type, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

// Events returns a copy of the emitted events.
func (m *Emitter) Events() []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]events.Event(nil), m.events...)
}
