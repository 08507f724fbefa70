package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/runbook-agent/backend/internal/models"
)

const (
	ClassificationMiss    = "miss"
	ClassificationPartial = "partial"
	ClassificationTop     = "top"
)

type Searcher interface {
	Search(ctx context.Context, q models.SearchQuery) (*models.SearchResponse, error)
}

// Evaluator measures retrieval quality against a labelled dataset: for each
// query it checks where the expected runbooks land in the ranked results.
type Evaluator struct {
	searcher Searcher
	logger   *zap.Logger
}

type Dataset struct {
	Items []DatasetItem `json:"items" yaml:"items"`
}

type DatasetItem struct {
	Query       string               `json:"query" yaml:"query"`
	ContentType models.ContentType   `json:"content_type,omitempty" yaml:"content_type"`
	Filters     models.SearchFilters `json:"filters" yaml:"filters"`
	// Expected lists runbook ids any of which counts as a correct answer.
	Expected []string `json:"expected" yaml:"expected"`
}

type ItemResult struct {
	Query          string  `json:"query"`
	Classification string  `json:"classification"`
	Rank           int     `json:"rank,omitempty"`
	TopConfidence  float64 `json:"top_confidence"`
	Partial        bool    `json:"partial"`
	Error          string  `json:"error,omitempty"`
}

type Report struct {
	TotalQueries      int          `json:"total_queries"`
	Errors            int          `json:"errors"`
	MissCount         int          `json:"miss_count"`
	PartialCount      int          `json:"partial_count"`
	TopCount          int          `json:"top_count"`
	HitRate           float64      `json:"hit_rate"`
	MRR               float64      `json:"mrr"`
	AvgTopConfidence  float64      `json:"avg_top_confidence"`
	PartialResponses  int          `json:"partial_responses"`
	MissPercentage    float64      `json:"miss_percentage"`
	PartialPercentage float64      `json:"partial_percentage"`
	TopPercentage     float64      `json:"top_percentage"`
	Items             []ItemResult `json:"items"`
}

func NewEvaluator(searcher Searcher, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		searcher: searcher,
		logger:   logger,
	}
}

func (e *Evaluator) EvaluateQuery(ctx context.Context, item DatasetItem) (ItemResult, error) {
	result := ItemResult{Query: item.Query, Classification: ClassificationMiss}

	resp, err := e.searcher.Search(ctx, models.SearchQuery{
		Text:        item.Query,
		ContentType: item.ContentType,
		Filters:     item.Filters,
	})
	if err != nil {
		return result, fmt.Errorf("failed to search %q: %w", item.Query, err)
	}

	result.Partial = resp.Partial
	if len(resp.Results) > 0 {
		result.TopConfidence = resp.Results[0].ConfidenceScore
	}

	expected := make(map[string]bool, len(item.Expected))
	for _, id := range item.Expected {
		expected[id] = true
	}
	for i, r := range resp.Results {
		if expected[resultRunbookID(r)] {
			result.Rank = i + 1
			break
		}
	}

	switch {
	case result.Rank == 1:
		result.Classification = ClassificationTop
	case result.Rank > 1:
		result.Classification = ClassificationPartial
	}

	e.logger.Debug("Query evaluated",
		zap.String("query", item.Query),
		zap.String("classification", result.Classification),
		zap.Int("rank", result.Rank),
	)

	return result, nil
}

// resultRunbookID prefers the runbook_id metadata that procedure-level
// results carry over the result id itself.
func resultRunbookID(r models.SearchResult) string {
	if id := r.Metadata["runbook_id"]; id != "" {
		return id
	}
	return r.ID
}

func (e *Evaluator) RunDataset(ctx context.Context, dataset *Dataset) (*Report, error) {
	if dataset == nil || len(dataset.Items) == 0 {
		return nil, models.NewValidationError("items", "dataset has no items")
	}

	e.logger.Info("Running dataset evaluation", zap.Int("items", len(dataset.Items)))

	report := &Report{
		TotalQueries: len(dataset.Items),
		Items:        make([]ItemResult, 0, len(dataset.Items)),
	}

	var reciprocal, topConfidence float64
	for _, item := range dataset.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := e.EvaluateQuery(ctx, item)
		if err != nil {
			e.logger.Warn("Failed to evaluate query", zap.String("query", item.Query), zap.Error(err))
			result.Error = err.Error()
			report.Errors++
			report.MissCount++
			report.Items = append(report.Items, result)
			continue
		}

		switch result.Classification {
		case ClassificationMiss:
			report.MissCount++
		case ClassificationPartial:
			report.PartialCount++
		case ClassificationTop:
			report.TopCount++
		}
		if result.Rank > 0 {
			reciprocal += 1 / float64(result.Rank)
		}
		if result.Partial {
			report.PartialResponses++
		}
		topConfidence += result.TopConfidence
		report.Items = append(report.Items, result)
	}

	total := float64(report.TotalQueries)
	report.HitRate = float64(report.TopCount+report.PartialCount) / total
	report.MRR = reciprocal / total
	report.AvgTopConfidence = topConfidence / total
	report.MissPercentage = float64(report.MissCount) / total * 100
	report.PartialPercentage = float64(report.PartialCount) / total * 100
	report.TopPercentage = float64(report.TopCount) / total * 100

	e.logger.Info("Dataset evaluation completed",
		zap.Int("total", report.TotalQueries),
		zap.Int("miss", report.MissCount),
		zap.Int("partial", report.PartialCount),
		zap.Int("top", report.TopCount),
		zap.Float64("mrr", report.MRR),
	)

	return report, nil
}

// LoadDataset accepts JSON or YAML.
func LoadDataset(data []byte) (*Dataset, error) {
	var dataset Dataset
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &dataset); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
		}
		return &dataset, nil
	}
	if err := yaml.Unmarshal(data, &dataset); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}
	return &dataset, nil
}

func GenerateReport(report *Report) string {
	return fmt.Sprintf(`
Retrieval Evaluation Report
===========================

Total Queries: %d (errors: %d)

Classifications:
- Miss: %d (%.1f%%)
- Expected runbook below rank 1: %d (%.1f%%)
- Expected runbook at rank 1: %d (%.1f%%)

Hit Rate: %.3f
Mean Reciprocal Rank: %.3f
Average Top Confidence: %.3f
Partial Responses: %d
`,
		report.TotalQueries, report.Errors,
		report.MissCount, report.MissPercentage,
		report.PartialCount, report.PartialPercentage,
		report.TopCount, report.TopPercentage,
		report.HitRate,
		report.MRR,
		report.AvgTopConfidence,
		report.PartialResponses,
	)
}
