package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     int64
	expiresAt time.Time
}

// Memory is an in-process Store for single-node deployments.
type Memory struct {
	mu    sync.Mutex
	items map[string]entry
	clock func() time.Time
}

// NewMemory creates an empty store. A nil clock means time.Now.
func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{items: make(map[string]entry), clock: clock}
}

func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return 0, ErrMiss
	}
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key string, value int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = entry{value: value, expiresAt: m.clock().Add(ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) IncrWithExpiry(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		e = entry{expiresAt: m.clock().Add(ttl)}
	}
	e.value++
	m.items[key] = e
	return e.value, nil
}

// live must be called with mu held. Expired entries are dropped on access.
func (m *Memory) live(key string) (entry, bool) {
	e, ok := m.items[key]
	if !ok {
		return entry{}, false
	}
	if !m.clock().Before(e.expiresAt) {
		delete(m.items, key)
		return entry{}, false
	}
	return e, true
}
