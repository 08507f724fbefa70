package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/runbook-agent/backend/internal/sources"
)

type SourceHandler struct {
	registry *sources.Registry
}

func NewSourceHandler(registry *sources.Registry) *SourceHandler {
	return &SourceHandler{registry: registry}
}

func (h *SourceHandler) ListSources(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"sources": h.registry.Snapshot()})
}

func (h *SourceHandler) CheckSource(c *fiber.Ctx) error {
	name := c.Params("name")
	report, err := h.registry.HealthCheck(c.UserContext(), name)
	if err != nil {
		return respondError(c, err, "check source health")
	}

	state, _ := h.registry.Health(name)
	return c.JSON(fiber.Map{
		"name":   name,
		"health": state,
		"report": report,
	})
}
