package handlers

import (
	"sync/atomic"

	"github.com/gofiber/fiber/v2"

	"github.com/runbook-agent/backend/internal/cache"
	"github.com/runbook-agent/backend/internal/models"
	"github.com/runbook-agent/backend/internal/sources"
)

type HealthHandler struct {
	ready    *atomic.Bool
	registry *sources.Registry
	cache    *cache.Manager
}

func NewHealthHandler(ready *atomic.Bool, registry *sources.Registry, cacheManager *cache.Manager) *HealthHandler {
	return &HealthHandler{
		ready:    ready,
		registry: registry,
		cache:    cacheManager,
	}
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"service": "runbook-agent",
	})
}

// Ready reports 503 until startup warmup has finished. Afterwards it stays
// ready even when sources are offline, since searches still succeed partially.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	counts := map[models.HealthState]int{}
	for _, s := range h.registry.Snapshot() {
		counts[s.Health]++
	}

	remote := "ok"
	if err := h.cache.PingRemote(c.UserContext()); err != nil {
		remote = err.Error()
	}

	body := fiber.Map{
		"ready":      h.ready.Load(),
		"sources":    counts,
		"cache_mode": h.cache.Mode(),
		"remote":     remote,
	}
	if !h.ready.Load() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(body)
	}
	return c.JSON(body)
}
