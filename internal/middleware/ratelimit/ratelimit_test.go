package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMiddlewareLimitsPerClient(t *testing.T) {
	rl := New(Config{RequestsPerMinute: 1, Burst: 2})
	defer rl.Stop()

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	do := func(clientID string) int {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Client-ID", clientID)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusOK, do("a"))
	assert.Equal(t, fiber.StatusOK, do("a"))
	assert.Equal(t, fiber.StatusTooManyRequests, do("a"))
	assert.Equal(t, fiber.StatusOK, do("b"))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Client-ID", "a")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestEvictIdle(t *testing.T) {
	rl := New(Config{IdleTTL: time.Minute})
	defer rl.Stop()

	now := time.Now()
	rl.limiterFor("old", now.Add(-2*time.Minute))
	rl.limiterFor("new", now)

	assert.Equal(t, 1, rl.evictIdle(now))
	assert.Len(t, rl.clients, 1)
	assert.Contains(t, rl.clients, "new")
}

func TestStopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rl := New(Config{})
	rl.Stop()
	rl.Stop()
}
