package grouplist

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	subjects  []string
	expiresAt time.Time
}

// MemoryCache is an in-process SessionScopedCache with lazy expiration.
// A zero TTL keeps entries until they are invalidated or the session closes.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	nowFn   func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		nowFn:   time.Now,
	}
}

func (m *MemoryCache) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && m.nowFn().After(e.expiresAt)
}

// Get returns a copy of the cached list. An expired entry is deleted and
// reported as a miss.
func (m *MemoryCache) Get(_ context.Context, key string) ([]string, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if m.expired(e) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return cloneList(e.subjects), true, nil
}

func (m *MemoryCache) Put(_ context.Context, key string, subjects []string) error {
	e := memoryEntry{subjects: cloneList(subjects)}
	if e.subjects == nil {
		e.subjects = []string{}
	}
	if m.ttl > 0 {
		e.expiresAt = m.nowFn().Add(m.ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if m.expired(e) {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *MemoryCache) Clear(_ context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string]memoryEntry)
	m.mu.Unlock()
	return nil
}
