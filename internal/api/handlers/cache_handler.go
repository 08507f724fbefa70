package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/runbook-agent/backend/internal/cache"
	"github.com/runbook-agent/backend/pkg/logger"
)

type CacheHandler struct {
	cache *cache.Manager
}

func NewCacheHandler(cacheManager *cache.Manager) *CacheHandler {
	return &CacheHandler{cache: cacheManager}
}

func (h *CacheHandler) GetStats(c *fiber.Ctx) error {
	return c.JSON(h.cache.Stats())
}

// Invalidate drops a single key or every key under a prefix. Exactly one of
// the key and prefix query parameters must be given.
func (h *CacheHandler) Invalidate(c *fiber.Ctx) error {
	key := c.Query("key")
	prefix := c.Query("prefix")

	switch {
	case key != "" && prefix != "":
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "key and prefix are mutually exclusive",
		})
	case key != "":
		h.cache.Invalidate(c.UserContext(), key)
		logger.Info("Cache key invalidated", zap.String("key", key))
		return c.JSON(fiber.Map{"invalidated": 1})
	case prefix != "":
		n := h.cache.InvalidatePrefix(c.UserContext(), prefix)
		logger.Info("Cache prefix invalidated", zap.String("prefix", prefix), zap.Int("count", n))
		return c.JSON(fiber.Map{"invalidated": n})
	}

	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": "key or prefix is required",
	})
}
