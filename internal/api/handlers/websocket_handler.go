package handlers

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runbook-agent/backend/internal/models"
	"github.com/runbook-agent/backend/internal/search"
	"github.com/runbook-agent/backend/pkg/logger"
)

const wsSearchTimeout = 30 * time.Second

type WebSocketHandler struct {
	orchestrator *search.Orchestrator
}

func NewWebSocketHandler(orchestrator *search.Orchestrator) *WebSocketHandler {
	return &WebSocketHandler{
		orchestrator: orchestrator,
	}
}

// HandleConnection serves search requests over a websocket. Each "search"
// message yields a status frame, one "result" frame per ranked result and a
// final "complete" frame carrying the per-source outcomes.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	sessionID := uuid.New().String()
	logger.Info("WebSocket connection established", zap.String("session_id", sessionID))

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("session_id", sessionID))
	}()

	for {
		var msg struct {
			Type string `json:"type"`
			SearchRequest
		}

		err := c.ReadJSON(&msg)
		if err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if msg.Type != "search" {
			h.sendError(c, "Unsupported message type")
			continue
		}

		logger.Info("Processing WebSocket search",
			zap.String("session_id", sessionID),
			zap.String("query", msg.Query),
		)

		if err := h.streamResults(c, msg.SearchRequest); err != nil {
			logger.Error("Failed to stream search results", zap.Error(err))
			return
		}
	}
}

func (h *WebSocketHandler) streamResults(c *websocket.Conn, req SearchRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), wsSearchTimeout)
	defer cancel()

	q, err := req.toQuery()
	if err != nil {
		h.sendError(c, err.Error())
		return nil
	}

	if err := h.sendStatus(c, "Searching sources..."); err != nil {
		return err
	}

	resp, err := h.orchestrator.Search(ctx, q)
	if err != nil {
		if models.IsValidationError(err) {
			h.sendError(c, err.Error())
		} else {
			logger.Error("WebSocket search failed", zap.Error(err))
			h.sendError(c, "Failed to search runbooks")
		}
		return nil
	}

	for i, result := range resp.Results {
		if err := h.sendResult(c, i, result); err != nil {
			return err
		}
	}

	return h.sendComplete(c, resp)
}

func (h *WebSocketHandler) sendStatus(c *websocket.Conn, content string) error {
	msg := map[string]interface{}{
		"type":    "status",
		"content": content,
	}

	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendResult(c *websocket.Conn, rank int, result models.SearchResult) error {
	msg := map[string]interface{}{
		"type":   "result",
		"rank":   rank + 1,
		"result": result,
	}

	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendComplete(c *websocket.Conn, resp *models.SearchResponse) error {
	msg := map[string]interface{}{
		"type":        "complete",
		"search_id":   resp.ID,
		"fingerprint": resp.Fingerprint,
		"count":       len(resp.Results),
		"cache_hit":   resp.CacheHit,
		"partial":     resp.Partial,
		"sources":     resp.Outcomes,
		"took_ms":     resp.TookMS,
	}

	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}

	if err := c.WriteJSON(msg); err != nil {
		logger.Debug("Failed to send WebSocket error", zap.Error(err))
	}
}
