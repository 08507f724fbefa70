package vector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/runbook-agent/backend/internal/models"
	"github.com/runbook-agent/backend/internal/vector/zilliz"
)

type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type Index interface {
	Search(ctx context.Context, embedding []float32, topK int, filter zilliz.Filter) ([]zilliz.Match, error)
	Ping(ctx context.Context) error
}

type Options struct {
	Name   string
	TopK   int
	Logger *zap.Logger
}

// Adapter performs semantic search: the query is embedded and the nearest
// runbook chunks are returned, one result per runbook.
type Adapter struct {
	opts     Options
	embedder Embedder
	index    Index
	logger   *zap.Logger
}

func New(opts Options, embedder Embedder, index Index) *Adapter {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Adapter{opts: opts, embedder: embedder, index: index, logger: opts.Logger}
}

func (a *Adapter) ValidateConfig() error {
	if a.embedder == nil {
		return errors.New("no embedding client configured")
	}
	if a.index == nil {
		return errors.New("no vector index configured")
	}
	return nil
}

func (a *Adapter) Metadata() models.AdapterMetadata {
	return models.AdapterMetadata{
		Name:              a.opts.Name,
		Type:              "vector",
		SupportedFeatures: []string{"semantic", "filters"},
	}
}

func (a *Adapter) HealthCheck(ctx context.Context) models.HealthReport {
	start := time.Now()
	err := a.index.Ping(ctx)

	report := models.HealthReport{
		Healthy:        err == nil,
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		report.ErrorMessage = err.Error()
	}
	return report
}

// Confidence maps an L2 distance to (0,1].
func Confidence(distance float32) float64 {
	if distance < 0 {
		distance = 0
	}
	return 1 / (1 + float64(distance))
}

func (a *Adapter) Search(ctx context.Context, q models.SearchQuery) ([]models.SearchResult, error) {
	text := strings.TrimSpace(strings.Join([]string{q.Text, q.Filters.AlertType}, " "))
	if text == "" {
		return []models.SearchResult{}, nil
	}

	embedding, err := a.embedder.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	matches, err := a.index.Search(ctx, embedding, a.opts.TopK, zilliz.Filter{
		Category: q.Filters.Category,
		Severity: q.Filters.Severity,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}

	best := make(map[string]int, len(matches))
	results := make([]models.SearchResult, 0, len(matches))
	for _, m := range matches {
		if m.RunbookID == "" {
			continue
		}
		confidence := Confidence(m.Distance)

		if i, ok := best[m.RunbookID]; ok {
			if confidence > results[i].ConfidenceScore {
				results[i].ConfidenceScore = confidence
				results[i].Content = m.Text
				results[i].MatchReasons = []string{fmt.Sprintf("semantic:%.3f", m.Distance)}
			}
			continue
		}

		r := models.SearchResult{
			ID:              m.RunbookID,
			Title:           m.Title,
			Content:         m.Text,
			ConfidenceScore: confidence,
			MatchReasons:    []string{fmt.Sprintf("semantic:%.3f", m.Distance)},
			Severity:        m.Severity,
			Category:        m.Category,
			Metadata:        map[string]string{"chunk_id": m.ChunkID},
		}
		if !m.UpdatedAt.IsZero() {
			updated := m.UpdatedAt
			r.UpdatedAt = &updated
		}
		best[m.RunbookID] = len(results)
		results = append(results, r)
	}

	a.logger.Debug("Vector search completed",
		zap.String("source", a.opts.Name),
		zap.Int("matches", len(matches)),
		zap.Int("results", len(results)),
	)

	return results, nil
}
