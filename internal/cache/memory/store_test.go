package memory

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func entry(c *clock, value string, ttl time.Duration) Entry {
	return Entry{Value: []byte(value), ContentType: "runbooks", StoredAt: c.Now(), TTL: ttl}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(0, EvictLRU, nil)
	assert.Error(t, err)

	_, err = New(10, "random", nil)
	assert.Error(t, err)

	s, err := New(10, "", nil)
	require.NoError(t, err)
	assert.Equal(t, EvictLRU, s.policy)
}

func TestGetNeverReturnsExpiredEntry(t *testing.T) {
	c := newClock()
	s, err := New(10, EvictLRU, c.Now)
	require.NoError(t, err)

	s.Set("k", entry(c, "v", time.Minute))

	c.Advance(59 * time.Second)
	got, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got.Value)
	assert.Equal(t, time.Second, got.Remaining(c.Now()))

	c.Advance(time.Second)
	_, ok = s.Get("k")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), s.Stats().Expirations)
	assert.Equal(t, 0, s.Len())
}

func TestZeroTTLIsNotCached(t *testing.T) {
	c := newClock()
	s, err := New(10, EvictLRU, c.Now)
	require.NoError(t, err)

	s.Set("k", entry(c, "v", time.Minute))
	s.Set("k", entry(c, "v2", 0))

	_, ok := s.Get("k")
	assert.False(t, ok)
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := newClock()
	s, err := New(2, EvictLRU, c.Now)
	require.NoError(t, err)

	s.Set("a", entry(c, "1", time.Hour))
	s.Set("b", entry(c, "2", time.Hour))
	_, ok := s.Get("a")
	require.True(t, ok)

	s.Set("c", entry(c, "3", time.Hour))

	_, ok = s.Get("b")
	assert.False(t, ok)
	_, ok = s.Get("a")
	assert.True(t, ok)
	_, ok = s.Get("c")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), s.Stats().Evictions)
}

func TestTTLPolicyEvictsSoonestToExpire(t *testing.T) {
	c := newClock()
	s, err := New(2, EvictTTL, c.Now)
	require.NoError(t, err)

	s.Set("long", entry(c, "1", time.Hour))
	s.Set("short", entry(c, "2", time.Minute))
	s.Set("new", entry(c, "3", 30*time.Minute))

	_, ok := s.Get("short")
	assert.False(t, ok)
	_, ok = s.Get("long")
	assert.True(t, ok)
	_, ok = s.Get("new")
	assert.True(t, ok)
}

func TestFullStorePurgesExpiredFirst(t *testing.T) {
	c := newClock()
	s, err := New(2, EvictLRU, c.Now)
	require.NoError(t, err)

	s.Set("stale", entry(c, "1", time.Second))
	s.Set("fresh", entry(c, "2", time.Hour))
	c.Advance(2 * time.Second)

	s.Set("next", entry(c, "3", time.Hour))

	stats := s.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, uint64(0), stats.Evictions)
	assert.Equal(t, uint64(1), stats.Expirations)
	_, ok := s.Get("fresh")
	assert.True(t, ok)
}

func TestDeletePrefix(t *testing.T) {
	c := newClock()
	s, err := New(10, EvictLRU, c.Now)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		s.Set(fmt.Sprintf("search:runbooks:%d", i), entry(c, "x", time.Hour))
	}
	s.Set("search:procedures:1", entry(c, "x", time.Hour))

	assert.Equal(t, 3, s.DeletePrefix("search:runbooks:"))
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Delete("search:procedures:1"))
	assert.False(t, s.Delete("search:procedures:1"))
}

func TestConcurrentAccess(t *testing.T) {
	s, err := New(50, EvictLRU, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", (i+j)%80)
				s.Set(key, Entry{Value: []byte(key), StoredAt: time.Now(), TTL: time.Minute})
				if got, ok := s.Get(key); ok {
					assert.Equal(t, key, string(got.Value))
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, s.Len(), 50)
}
