package storage

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps keys in a map guarded by an RWMutex. It is used by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	values  map[string][]byte
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string][]byte),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Get returns a copy of the stored value.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	return val, nil
}

// Set inserts or replaces a value and clears any expiry, matching Redis SET.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	delete(m.expires, key)
	return nil
}

// SetNX stores value when key is absent or expired.
func (m *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.values[key] = append([]byte(nil), value...)
	if ttl > 0 {
		m.expires[key] = m.now().Add(ttl)
	} else {
		delete(m.expires, key)
	}
	return true, nil
}

// Exists reports whether key is present.
func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.lookup(key)
	return ok, nil
}

// Keys returns the live keys matching pattern in sorted order.
func (m *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for key := range m.values {
		if _, ok := m.lookup(key); !ok {
			continue
		}
		matched, err := path.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if matched {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

// MGet returns values positionally, nil for missing keys.
func (m *MemoryStore) MGet(_ context.Context, keys ...string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(keys))
	for i, key := range keys {
		if val, ok := m.lookup(key); ok {
			out[i] = val
		}
	}
	return out, nil
}

// Delete removes keys and returns how many existed.
func (m *MemoryStore) Delete(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := m.lookup(key); ok {
			n++
		}
		delete(m.values, key)
		delete(m.expires, key)
	}
	return n, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// lookup must be called with the mutex held.
func (m *MemoryStore) lookup(key string) ([]byte, bool) {
	val, ok := m.values[key]
	if !ok {
		return nil, false
	}
	if exp, ok := m.expires[key]; ok && !m.now().Before(exp) {
		return nil, false
	}
	return append([]byte(nil), val...), true
}
