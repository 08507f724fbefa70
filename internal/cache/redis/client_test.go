package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbook-agent/backend/internal/cache/memory"
	"github.com/runbook-agent/backend/pkg/retry"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	c := NewClient(Options{
		Addr:              mr.Addr(),
		KeyPrefix:         "rb:",
		ConnectionTimeout: time.Second,
		Retry:             retry.Config{MaxAttempts: 1},
	})
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect(context.Background()))
	return c, mr
}

func TestSetGetRoundTripsEnvelope(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	stored := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	err := c.Set(ctx, "search:runbooks:abc", memory.Entry{
		Value:       []byte(`{"results":[]}`),
		ContentType: "runbooks",
		StoredAt:    stored,
		TTL:         time.Minute,
	})
	require.NoError(t, err)

	assert.True(t, mr.Exists("rb:search:runbooks:abc"))
	assert.Equal(t, time.Minute, mr.TTL("rb:search:runbooks:abc"))

	got, ok, err := c.Get(ctx, "search:runbooks:abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"results":[]}`, string(got.Value))
	assert.Equal(t, "runbooks", got.ContentType)
	assert.True(t, stored.Equal(got.StoredAt))
	assert.Equal(t, time.Minute, got.TTL)
}

func TestGetMissAndExpiry(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", memory.Entry{Value: []byte(`1`), StoredAt: time.Now(), TTL: time.Second}))
	mr.FastForward(2 * time.Second)

	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestZeroTTLSkipsWrite(t *testing.T) {
	c, mr := newTestClient(t)

	require.NoError(t, c.Set(context.Background(), "k", memory.Entry{Value: []byte(`1`), TTL: 0}))
	assert.False(t, mr.Exists("rb:k"))
}

func TestDeletePrefixUsesScan(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 250; i++ {
		key := fmt.Sprintf("search:runbooks:%d", i)
		require.NoError(t, c.Set(ctx, key, memory.Entry{Value: []byte(`1`), StoredAt: time.Now(), TTL: time.Hour}))
	}
	require.NoError(t, c.Set(ctx, "search:procedures:1", memory.Entry{Value: []byte(`1`), StoredAt: time.Now(), TTL: time.Hour}))
	require.NoError(t, mr.Set("other:search:runbooks:1", "x"))

	removed, err := c.DeletePrefix(ctx, "search:runbooks:")
	require.NoError(t, err)
	assert.Equal(t, 250, removed)
	assert.True(t, mr.Exists("rb:search:procedures:1"))
	assert.True(t, mr.Exists("other:search:runbooks:1"))

	require.NoError(t, c.Delete(ctx, "search:procedures:1"))
	assert.False(t, mr.Exists("rb:search:procedures:1"))
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
}

func TestServerErrorsSurface(t *testing.T) {
	c, mr := newTestClient(t)
	mr.SetError("LOADING")

	_, _, err := c.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.Error(t, c.Ping(context.Background()))

	mr.SetError("")
	assert.NoError(t, c.Ping(context.Background()))
}

func TestConnectFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	c := NewClient(Options{
		Addr:              addr,
		ConnectionTimeout: 50 * time.Millisecond,
		Retry:             retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond},
	})
	defer c.Close()

	assert.Error(t, c.Connect(context.Background()))
}
