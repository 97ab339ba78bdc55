package storage

import (
	"context"
	"sync"
	"time"
)

// memEntry is a single value with an optional expiry.
type memEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

// Memory is a process-local Store. Expired entries are ignored by Get and
// evicted opportunistically every few hundred writes.
//
// Nonces and coordination timestamps kept here are invisible to other
// processes; use SQL when more than one process participates.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	writes  uint64

	// Now is the clock used for TTL decisions. Defaults to time.Now.
	Now func() time.Time
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry), Now: time.Now}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	now := m.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", ErrNotFound
	}
	if !e.expires.IsZero() && !now.Before(e.expires) {
		delete(m.entries, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	now := m.Now()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.writes%512 == 0 {
		for k, v := range m.entries {
			if !v.expires.IsZero() && !now.Before(v.expires) {
				delete(m.entries, k)
			}
		}
	}
	m.entries[key] = e
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, including expired ones not yet
// evicted.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
