package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/runbook-agent/backend/internal/models"
	"github.com/runbook-agent/backend/internal/search"
	storagemodels "github.com/runbook-agent/backend/internal/storage/models"
	"github.com/runbook-agent/backend/pkg/logger"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	maxDeadline         = 30 * time.Second
)

type HistoryReader interface {
	GetSearchHistory(ctx context.Context, limit int) ([]storagemodels.SearchRecord, error)
}

type SearchRequest struct {
	Query       string               `json:"query"`
	ContentType models.ContentType   `json:"content_type"`
	Filters     models.SearchFilters `json:"filters"`
	DeadlineMS  int                  `json:"deadline_ms"`
}

func (r SearchRequest) toQuery() (models.SearchQuery, error) {
	q := models.SearchQuery{
		Text:        r.Query,
		ContentType: r.ContentType,
		Filters:     r.Filters,
	}
	if r.DeadlineMS < 0 {
		return q, models.NewValidationError("deadline_ms", "must not be negative")
	}
	if r.DeadlineMS > 0 {
		q.Deadline = time.Duration(r.DeadlineMS) * time.Millisecond
		if q.Deadline > maxDeadline {
			q.Deadline = maxDeadline
		}
	}
	return q, nil
}

type SearchHandler struct {
	orchestrator *search.Orchestrator
	history      HistoryReader
}

func NewSearchHandler(orchestrator *search.Orchestrator, history HistoryReader) *SearchHandler {
	return &SearchHandler{
		orchestrator: orchestrator,
		history:      history,
	}
}

func (h *SearchHandler) HandleSearch(c *fiber.Ctx) error {
	var req SearchRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	q, err := req.toQuery()
	if err != nil {
		return respondError(c, err, "search runbooks")
	}

	resp, err := h.orchestrator.Search(c.UserContext(), q)
	if err != nil {
		return respondError(c, err, "search runbooks")
	}

	return c.JSON(resp)
}

func (h *SearchHandler) GetHistory(c *fiber.Ctx) error {
	if h.history == nil {
		return c.JSON(fiber.Map{"history": []storagemodels.SearchRecord{}})
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "limit must be a positive integer",
			})
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := h.history.GetSearchHistory(c.UserContext(), limit)
	if err != nil {
		return respondError(c, err, "load search history")
	}
	if records == nil {
		records = []storagemodels.SearchRecord{}
	}

	return c.JSON(fiber.Map{"history": records})
}
