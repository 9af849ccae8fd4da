package cache

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	expiresAt time.Time
}

// Memory is a process-local Cache. Expired entries are dropped lazily on read
// and on every Set that finds the map grown past its last sweep size.
type Memory struct {
	mu        sync.Mutex
	items     map[string]memEntry
	now       func() time.Time
	sweepSize int
}

// NewMemory returns an empty Memory cache.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]memEntry), now: time.Now, sweepSize: 1024}
}

var _ Cache = (*Memory)(nil)

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok {
		return "", ErrMiss
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.items, key)
		return "", ErrMiss
	}
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	m.items[key] = e

	if len(m.items) > m.sweepSize {
		m.sweepLocked(now)
		if len(m.items) > m.sweepSize/2 {
			m.sweepSize = len(m.items) * 2
		}
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

func (m *Memory) sweepLocked(now time.Time) {
	for k, e := range m.items {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(m.items, k)
		}
	}
}
