package cache

import (
	"sync"
	"time"
)

type item[V any] struct {
	value     V
	expiresAt time.Time
}

func (it item[V]) freshAt(now time.Time) bool {
	return it.expiresAt.IsZero() || now.Before(it.expiresAt)
}

// TTLMap is a concurrency safe map whose entries expire after a fixed TTL.
// A zero TTL keeps entries until they are deleted.
type TTLMap[K comparable, V any] struct {
	mu    sync.RWMutex
	ttl   time.Duration
	now   func() time.Time
	items map[K]item[V]
}

func NewTTLMap[K comparable, V any](ttl time.Duration) *TTLMap[K, V] {
	return &TTLMap[K, V]{ttl: ttl, now: time.Now, items: map[K]item[V]{}}
}

// WithClock replaces the time source. Intended for tests.
func (m *TTLMap[K, V]) WithClock(now func() time.Time) *TTLMap[K, V] {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

func (m *TTLMap[K, V]) Get(key K) (V, bool) {
	var zero V
	if m == nil {
		return zero, false
	}
	m.mu.RLock()
	it, ok := m.items[key]
	now := m.now()
	m.mu.RUnlock()
	if !ok || !it.freshAt(now) {
		return zero, false
	}
	return it.value, true
}

func (m *TTLMap[K, V]) Set(key K, value V) {
	if m == nil {
		return
	}
	m.mu.Lock()
	exp := time.Time{}
	if m.ttl > 0 {
		exp = m.now().Add(m.ttl)
	}
	m.items[key] = item[V]{value: value, expiresAt: exp}
	m.mu.Unlock()
}

// GetOrLoad returns the cached value for key or calls load and caches its
// result. Load errors are returned and never cached.
func (m *TTLMap[K, V]) GetOrLoad(key K, load func() (V, error)) (V, error) {
	if v, ok := m.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		var zero V
		return zero, err
	}
	m.Set(key, v)
	return v, nil
}

func (m *TTLMap[K, V]) Delete(key K) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

// Purge drops expired entries and reports how many were removed.
func (m *TTLMap[K, V]) Purge() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, it := range m.items {
		if !it.freshAt(now) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

func (m *TTLMap[K, V]) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
