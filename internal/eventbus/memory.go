package eventbus

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Bus. Notify calls every matching handler
// synchronously, outside the registry lock, so handlers may subscribe or
// unsubscribe without deadlocking.
type Memory struct {
	mu   sync.Mutex
	next uint64
	subs map[string]map[uint64]Handler
}

// NewMemory returns an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[uint64]Handler)}
}

// Notify implements Bus.
func (m *Memory) Notify(ctx context.Context, service string, at time.Time) error {
	m.mu.Lock()
	hs := make([]Handler, 0, len(m.subs[service]))
	for _, h := range m.subs[service] {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	for _, h := range hs {
		h(ctx, service, at)
	}
	return nil
}

// Subscribe implements Bus.
func (m *Memory) Subscribe(service string, h Handler) func() {
	m.mu.Lock()
	m.next++
	id := m.next
	if m.subs[service] == nil {
		m.subs[service] = make(map[uint64]Handler)
	}
	m.subs[service][id] = h
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[service], id)
			if len(m.subs[service]) == 0 {
				delete(m.subs, service)
			}
			m.mu.Unlock()
		})
	}
}

// Subscribers returns the number of handlers registered for service.
func (m *Memory) Subscribers(service string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[service])
}
