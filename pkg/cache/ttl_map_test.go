package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLMapExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := NewTTLMap[string, int](time.Minute).WithClock(func() time.Time { return now })

	m.Set("a", 1)
	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(time.Minute)
	_, ok = m.Get("a")
	assert.False(t, ok, "entry must expire at ttl")
	assert.Equal(t, 1, m.Purge())
	assert.Equal(t, 0, m.Len())
}

func TestTTLMapZeroTTLKeepsEntries(t *testing.T) {
	now := time.Now()
	m := NewTTLMap[string, string](0).WithClock(func() time.Time { return now })
	m.Set("k", "v")
	now = now.Add(365 * 24 * time.Hour)
	v, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Equal(t, 0, m.Purge())
}

func TestTTLMapGetOrLoad(t *testing.T) {
	m := NewTTLMap[string, int](time.Hour)
	calls := 0
	load := func() (int, error) {
		calls++
		return 42, nil
	}
	for i := 0; i < 3; i++ {
		v, err := m.GetOrLoad("x", load)
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}
	assert.Equal(t, 1, calls)

	boom := errors.New("boom")
	_, err := m.GetOrLoad("y", func() (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	_, ok := m.Get("y")
	assert.False(t, ok, "errors must not be cached")

	m.Delete("x")
	_, ok = m.Get("x")
	assert.False(t, ok)
}

func TestNilTTLMap(t *testing.T) {
	var m *TTLMap[string, int]
	m.Set("a", 1)
	_, ok := m.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}
