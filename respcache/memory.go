package respcache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory response cache backend. Safe for concurrent
// use. Intended for unit testing and development.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     map[string]any
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// GetResponse returns the cached response for key, or ok=false on miss.
func (m *MemoryStore) GetResponse(_ context.Context, key string) (map[string]any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		return nil, false, nil
	}

	cp := make(map[string]any, len(e.value))
	for k, v := range e.value {
		cp[k] = v
	}
	return cp, true, nil
}

// SetResponse stores a response under key with the given TTL.
func (m *MemoryStore) SetResponse(_ context.Context, key string, value map[string]any, ttl time.Duration) error {
	cp := make(map[string]any, len(value))
	for k, v := range value {
		cp[k] = v
	}

	e := memoryEntry{value: cp}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}
