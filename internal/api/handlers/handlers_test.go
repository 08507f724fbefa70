package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbook-agent/backend/internal/cache"
	"github.com/runbook-agent/backend/internal/cache/memory"
	"github.com/runbook-agent/backend/internal/decision"
	"github.com/runbook-agent/backend/internal/evaluation"
	"github.com/runbook-agent/backend/internal/models"
	"github.com/runbook-agent/backend/internal/scoring"
	"github.com/runbook-agent/backend/internal/search"
	"github.com/runbook-agent/backend/internal/sources"
	storagemodels "github.com/runbook-agent/backend/internal/storage/models"
)

var diskTree = &models.DecisionTree{
	ID:            "disk",
	DefaultAction: "escalate",
	Branches: []models.Branch{
		{ID: "cleanup", Condition: `usage > 95`, Action: "purge_tmp", Confidence: 0.9},
	},
}

type stubAdapter struct {
	results  []models.SearchResult
	runbooks map[string]*models.Runbook
}

func (s *stubAdapter) Search(context.Context, models.SearchQuery) ([]models.SearchResult, error) {
	return s.results, nil
}

func (s *stubAdapter) HealthCheck(context.Context) models.HealthReport {
	return models.HealthReport{Healthy: true, ResponseTimeMS: 1}
}

func (s *stubAdapter) Metadata() models.AdapterMetadata {
	return models.AdapterMetadata{Name: "stub", Type: "filesystem"}
}

func (s *stubAdapter) GetRunbook(_ context.Context, id string) (*models.Runbook, error) {
	rb, ok := s.runbooks[id]
	if !ok {
		return nil, models.ErrRunbookNotFound
	}
	return rb, nil
}

type stubHistory struct {
	records []storagemodels.SearchRecord
	limit   int
}

func (h *stubHistory) InsertSearchRecord(_ context.Context, r *storagemodels.SearchRecord) error {
	h.records = append(h.records, *r)
	return nil
}

func (h *stubHistory) GetSearchHistory(_ context.Context, limit int) ([]storagemodels.SearchRecord, error) {
	h.limit = limit
	return h.records, nil
}

type testServer struct {
	app     *fiber.App
	cache   *cache.Manager
	history *stubHistory
	ready   *atomic.Bool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mem, err := memory.New(100, memory.EvictLRU, nil)
	require.NoError(t, err)
	cm, err := cache.NewManager(cache.Config{
		Mode:     cache.ModeMemoryOnly,
		Policies: map[models.ContentType]cache.ContentTypePolicy{models.ContentTypeRunbooks: {TTL: time.Minute}},
	}, mem, nil, nil)
	require.NoError(t, err)

	registry := sources.NewRegistry(sources.Config{})
	require.NoError(t, registry.Register(models.SourceDescriptor{
		Name: "local", Type: "filesystem", Priority: 1, Enabled: true, TimeoutMS: 500,
	}, &stubAdapter{
		results: []models.SearchResult{{ID: "rb-disk", Title: "Disk full", ConfidenceScore: 0.8}},
		runbooks: map[string]*models.Runbook{
			"rb-disk":  {ID: "rb-disk", Title: "Disk full", DecisionTree: diskTree},
			"rb-plain": {ID: "rb-plain", Title: "No tree"},
		},
	}))

	history := &stubHistory{}
	orch := search.NewOrchestrator(search.Config{DefaultDeadline: time.Second},
		cm, registry, scoring.NewScorer(scoring.DefaultWeights()), history)

	ready := &atomic.Bool{}
	app := fiber.New()
	searchHandler := NewSearchHandler(orch, history)
	runbookHandler := NewRunbookHandler(orch, decision.NewEvaluator(decision.Config{}))
	sourceHandler := NewSourceHandler(registry)
	cacheHandler := NewCacheHandler(cm)
	healthHandler := NewHealthHandler(ready, registry, cm)
	evaluationHandler := NewEvaluationHandler(evaluation.NewEvaluator(orch, nil))

	api := app.Group("/api/v1")
	api.Post("/search", searchHandler.HandleSearch)
	api.Get("/search/history", searchHandler.GetHistory)
	api.Get("/runbooks/:id", runbookHandler.GetRunbook)
	api.Post("/runbooks/:id/evaluate", runbookHandler.EvaluateRunbook)
	api.Post("/decision-trees/evaluate", runbookHandler.EvaluateTree)
	api.Get("/sources", sourceHandler.ListSources)
	api.Post("/sources/:name/health", sourceHandler.CheckSource)
	api.Get("/cache/stats", cacheHandler.GetStats)
	api.Delete("/cache", cacheHandler.Invalidate)
	api.Get("/health", healthHandler.Health)
	api.Get("/ready", healthHandler.Ready)
	api.Post("/evaluations", evaluationHandler.RunEvaluation)

	return &testServer{app: app, cache: cm, history: history, ready: ready}
}

func (s *testServer) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.app.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestHandleSearch(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, "POST", "/api/v1/search", `{"query":"disk full"}`)
	require.Equal(t, fiber.StatusOK, status)
	results := body["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, "rb-disk", results[0].(map[string]any)["id"])
	assert.Equal(t, false, body["cache_hit"])

	status, body = s.do(t, "POST", "/api/v1/search", `{"query":"disk full"}`)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["cache_hit"])
}

func TestHandleSearchValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"empty", `{"query":"  "}`, "query"},
		{"unknown content type", `{"query":"disk","content_type":"videos"}`, "content_type"},
		{"conflicting thresholds", `{"query":"disk","filters":{"confidence_threshold":0.5,"min_confidence":0.6}}`, "filters.confidence_threshold"},
		{"negative deadline", `{"query":"disk","deadline_ms":-5}`, "deadline_ms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := s.do(t, "POST", "/api/v1/search", tt.body)
			assert.Equal(t, fiber.StatusBadRequest, status)
			assert.Equal(t, tt.field, body["field"])
		})
	}

	status, _ := s.do(t, "POST", "/api/v1/search", `{"query":`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestGetHistory(t *testing.T) {
	s := newTestServer(t)
	s.do(t, "POST", "/api/v1/search", `{"query":"disk full"}`)

	status, body := s.do(t, "GET", "/api/v1/search/history?limit=500", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["history"], 1)
	assert.Equal(t, maxHistoryLimit, s.history.limit)

	status, _ = s.do(t, "GET", "/api/v1/search/history?limit=abc", "")
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestRunbookEndpoints(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, "GET", "/api/v1/runbooks/rb-disk", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "Disk full", body["title"])

	status, _ = s.do(t, "GET", "/api/v1/runbooks/missing", "")
	assert.Equal(t, fiber.StatusNotFound, status)

	status, body = s.do(t, "POST", "/api/v1/runbooks/rb-disk/evaluate", `{"context":{"usage":97}}`)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "purge_tmp", body["action"])
	assert.Equal(t, "cleanup", body["branch_id"])

	status, body = s.do(t, "POST", "/api/v1/runbooks/rb-disk/evaluate", `{"context":{"usage":10}}`)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "escalate", body["action"])
	assert.Equal(t, true, body["default"])

	status, _ = s.do(t, "POST", "/api/v1/runbooks/rb-plain/evaluate", `{"context":{}}`)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestEvaluateTree(t *testing.T) {
	s := newTestServer(t)

	cyclic := `{"tree":{"id":"loop","default_action":"noop","branches":[
		{"id":"A","condition":"false","action":"a","confidence":0.6,"next_step":"B"},
		{"id":"B","condition":"false","action":"b","confidence":0.4,"next_step":"A"}]}}`
	status, body := s.do(t, "POST", "/api/v1/decision-trees/evaluate", cyclic)
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, "A", body["branch"])

	status, _ = s.do(t, "POST", "/api/v1/decision-trees/evaluate", `{"context":{}}`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	invalid := `{"tree":{"id":"t","default_action":"noop","branches":[{"id":"x","condition":"usage >","action":"a","confidence":0.6}]}}`
	status, _ = s.do(t, "POST", "/api/v1/decision-trees/evaluate", invalid)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestSourceEndpoints(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, "GET", "/api/v1/sources", "")
	require.Equal(t, fiber.StatusOK, status)
	list := body["sources"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "local", list[0].(map[string]any)["name"])

	status, body = s.do(t, "POST", "/api/v1/sources/local/health", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "healthy", body["health"])

	status, _ = s.do(t, "POST", "/api/v1/sources/nope/health", "")
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestCacheEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.do(t, "POST", "/api/v1/search", `{"query":"disk full"}`)

	status, body := s.do(t, "GET", "/api/v1/cache/stats", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.NotEmpty(t, body)

	status, body = s.do(t, "DELETE", "/api/v1/cache?prefix=search:", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, body["invalidated"])

	status, _ = s.do(t, "DELETE", "/api/v1/cache", "")
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = s.do(t, "DELETE", "/api/v1/cache?prefix=a&key=b", "")
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, "GET", "/api/v1/health", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	status, body = s.do(t, "GET", "/api/v1/ready", "")
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, false, body["ready"])

	s.ready.Store(true)
	status, body = s.do(t, "GET", "/api/v1/ready", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "memory_only", body["cache_mode"])
}

func TestRunEvaluation(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, "POST", "/api/v1/evaluations", `{"items":[
		{"query":"disk full","expected":["rb-disk"]},
		{"query":"disk full","expected":["rb-cpu"]}]}`)
	require.Equal(t, fiber.StatusOK, status)
	report := body["report"].(map[string]any)
	assert.EqualValues(t, 2, report["total_queries"])
	assert.EqualValues(t, 1, report["top_count"])
	assert.EqualValues(t, 0.5, report["hit_rate"])
	assert.Contains(t, body["summary"], "Hit Rate")

	status, _ = s.do(t, "POST", "/api/v1/evaluations", `{"items":[]}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}
