package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/runbook-agent/backend/internal/adapters/textmatch"
	"github.com/runbook-agent/backend/internal/kg/neo4j"
	"github.com/runbook-agent/backend/internal/models"
)

// Graph is the part of the neo4j client the adapter uses.
type Graph interface {
	FindResolutions(ctx context.Context, q neo4j.ResolutionQuery) ([]neo4j.Resolution, error)
	GetRunbook(ctx context.Context, id string) (*neo4j.RunbookNode, error)
	Ping(ctx context.Context) error
}

type Options struct {
	Name   string
	Limit  int
	Logger *zap.Logger
}

// Adapter answers alert-driven queries from (:AlertType)-[:RESOLVED_BY]->(:Runbook)
// edges. The edge confidence is the result confidence.
type Adapter struct {
	opts   Options
	graph  Graph
	logger *zap.Logger
}

func New(opts Options, graph Graph) *Adapter {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Adapter{opts: opts, graph: graph, logger: opts.Logger}
}

func (a *Adapter) ValidateConfig() error {
	if a.graph == nil {
		return errors.New("no graph client configured")
	}
	return nil
}

func (a *Adapter) Metadata() models.AdapterMetadata {
	return models.AdapterMetadata{
		Name:              a.opts.Name,
		Type:              "graph",
		SupportedFeatures: []string{"alert_type", "filters", "runbook_lookup"},
	}
}

func (a *Adapter) HealthCheck(ctx context.Context) models.HealthReport {
	start := time.Now()
	err := a.graph.Ping(ctx)

	report := models.HealthReport{
		Healthy:        err == nil,
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		report.ErrorMessage = err.Error()
	}
	return report
}

func (a *Adapter) Search(ctx context.Context, q models.SearchQuery) ([]models.SearchResult, error) {
	terms := textmatch.Terms(q.Text)
	if q.Filters.AlertType == "" && len(terms) == 0 {
		return []models.SearchResult{}, nil
	}
	threshold, _ := q.Filters.Threshold()

	resolutions, err := a.graph.FindResolutions(ctx, neo4j.ResolutionQuery{
		AlertType:     q.Filters.AlertType,
		Terms:         terms,
		Severity:      q.Filters.Severity,
		Category:      q.Filters.Category,
		MinConfidence: threshold,
		Limit:         a.opts.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query graph: %w", err)
	}

	results := make([]models.SearchResult, 0, len(resolutions))
	seen := make(map[string]bool, len(resolutions))
	for _, res := range resolutions {
		if seen[res.Runbook.ID] {
			continue
		}
		seen[res.Runbook.ID] = true

		reason := "alert_type:" + res.AlertType
		if q.Filters.AlertType == "" {
			_, why := textmatch.Score(q.Text, textmatch.Field{Name: "title", Text: res.Runbook.Title, Weight: 1})
			reason = strings.Join(why, ";")
		}

		results = append(results, models.SearchResult{
			ID:              res.Runbook.ID,
			Title:           res.Runbook.Title,
			Content:         res.Runbook.Description,
			ConfidenceScore: res.Confidence,
			MatchReasons:    []string{reason},
			Severity:        res.Runbook.Severity,
			Category:        res.Runbook.Category,
			Metadata:        map[string]string{"alert_type": res.AlertType},
		})
	}

	return results, nil
}

func (a *Adapter) GetRunbook(ctx context.Context, id string) (*models.Runbook, error) {
	node, err := a.graph.GetRunbook(ctx, id)
	if errors.Is(err, neo4j.ErrNotFound) {
		return nil, models.ErrRunbookNotFound
	}
	if err != nil {
		return nil, err
	}

	rb := &models.Runbook{}
	if node.Document != "" {
		if err := json.Unmarshal([]byte(node.Document), rb); err != nil {
			a.logger.Warn("Ignoring malformed runbook document", zap.String("runbook_id", id), zap.Error(err))
			rb = &models.Runbook{}
		}
	}
	if rb.ID == "" {
		rb.ID = node.ID
	}
	if rb.Title == "" {
		rb.Title = node.Title
	}
	if rb.Description == "" {
		rb.Description = node.Description
	}
	if rb.Category == "" {
		rb.Category = node.Category
	}
	if rb.Severity == "" {
		rb.Severity = node.Severity
	}
	return rb, nil
}
