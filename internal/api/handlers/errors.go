package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/runbook-agent/backend/internal/models"
	"github.com/runbook-agent/backend/pkg/logger"
)

// respondError maps domain errors onto HTTP statuses. Anything unrecognised
// is logged and reported as a 500 without leaking its text.
func respondError(c *fiber.Ctx, err error, action string) error {
	var validation *models.ValidationError
	var cycle *models.DecisionTreeCycleError

	switch {
	case errors.As(err, &validation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": validation.Error(),
			"field": validation.Field,
		})
	case errors.As(err, &cycle):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":  cycle.Error(),
			"branch": cycle.BranchID,
		})
	case errors.Is(err, models.ErrRunbookNotFound), errors.Is(err, models.ErrSourceNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	logger.Error("Failed to "+action, zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Failed to " + action,
	})
}
