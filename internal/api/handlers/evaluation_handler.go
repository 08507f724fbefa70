package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/runbook-agent/backend/internal/evaluation"
	"github.com/runbook-agent/backend/pkg/logger"
)

type EvaluationHandler struct {
	evaluator *evaluation.Evaluator
}

func NewEvaluationHandler(evaluator *evaluation.Evaluator) *EvaluationHandler {
	return &EvaluationHandler{evaluator: evaluator}
}

// RunEvaluation scores retrieval quality for a labelled dataset posted as
// JSON or YAML.
func (h *EvaluationHandler) RunEvaluation(c *fiber.Ctx) error {
	dataset, err := evaluation.LoadDataset(c.Body())
	if err != nil {
		logger.Error("Failed to parse evaluation dataset", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid dataset",
		})
	}

	report, err := h.evaluator.RunDataset(c.UserContext(), dataset)
	if err != nil {
		return respondError(c, err, "run evaluation")
	}

	return c.JSON(fiber.Map{
		"report":  report,
		"summary": evaluation.GenerateReport(report),
	})
}
