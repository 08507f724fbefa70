package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/runbook-agent/backend/internal/decision"
	"github.com/runbook-agent/backend/internal/models"
	"github.com/runbook-agent/backend/internal/search"
	"github.com/runbook-agent/backend/pkg/logger"
)

type RunbookHandler struct {
	orchestrator *search.Orchestrator
	evaluator    *decision.Evaluator
}

func NewRunbookHandler(orchestrator *search.Orchestrator, evaluator *decision.Evaluator) *RunbookHandler {
	return &RunbookHandler{
		orchestrator: orchestrator,
		evaluator:    evaluator,
	}
}

func (h *RunbookHandler) GetRunbook(c *fiber.Ctx) error {
	rb, err := h.orchestrator.GetRunbook(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err, "resolve runbook")
	}
	return c.JSON(rb)
}

// EvaluateRunbook runs the decision tree attached to a runbook against the
// alert context in the request body.
func (h *RunbookHandler) EvaluateRunbook(c *fiber.Ctx) error {
	var req struct {
		Context map[string]any `json:"context"`
	}
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	rb, err := h.orchestrator.GetRunbook(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err, "resolve runbook")
	}
	if rb.DecisionTree == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "runbook has no decision tree",
		})
	}

	return h.evaluate(c, rb.DecisionTree, req.Context)
}

func (h *RunbookHandler) EvaluateTree(c *fiber.Ctx) error {
	var req struct {
		Tree    *models.DecisionTree `json:"tree"`
		Context map[string]any       `json:"context"`
	}
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Tree == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "tree is required",
		})
	}

	return h.evaluate(c, req.Tree, req.Context)
}

func (h *RunbookHandler) evaluate(c *fiber.Ctx, tree *models.DecisionTree, vars map[string]any) error {
	if vars == nil {
		vars = map[string]any{}
	}
	d, err := h.evaluator.Evaluate(tree, vars)
	if err != nil {
		return respondError(c, err, "evaluate decision tree")
	}
	return c.JSON(d)
}
