package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/runbook-agent/backend/internal/adapters/textmatch"
	"github.com/runbook-agent/backend/internal/models"
	storagemodels "github.com/runbook-agent/backend/internal/storage/models"
	"github.com/runbook-agent/backend/internal/storage/sqlite"
)

const alertTypeConfidence = 0.6

// Store is the slice of the sqlite client the adapter reads from.
type Store interface {
	SearchRunbooks(ctx context.Context, q sqlite.RunbookQuery) ([]storagemodels.RunbookRecord, error)
	GetRunbook(ctx context.Context, id string) (*storagemodels.RunbookRecord, error)
	Ping(ctx context.Context) error
}

type Options struct {
	Name   string
	Limit  int
	Logger *zap.Logger
}

type Adapter struct {
	opts   Options
	store  Store
	logger *zap.Logger
}

func New(opts Options, store Store) *Adapter {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Adapter{opts: opts, store: store, logger: opts.Logger}
}

func (a *Adapter) ValidateConfig() error {
	if a.store == nil {
		return errors.New("no runbook store configured")
	}
	return nil
}

func (a *Adapter) Metadata() models.AdapterMetadata {
	return models.AdapterMetadata{
		Name:              a.opts.Name,
		Type:              "database",
		SupportedFeatures: []string{"full_text", "filters", "runbook_lookup"},
	}
}

func (a *Adapter) HealthCheck(ctx context.Context) models.HealthReport {
	start := time.Now()
	err := a.store.Ping(ctx)

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

	records, err := a.store.SearchRunbooks(ctx, sqlite.RunbookQuery{
		Terms:     terms,
		Severity:  q.Filters.Severity,
		Category:  q.Filters.Category,
		AlertType: q.Filters.AlertType,
		Limit:     a.opts.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query runbooks: %w", err)
	}

	results := make([]models.SearchResult, 0, len(records))
	for _, rec := range records {
		score, reasons := textmatch.NewIndex(
			textmatch.Field{Name: "title", Text: rec.Title, Weight: 0.9},
			textmatch.Field{Name: "alert_types", Text: strings.Join(rec.AlertTypes, " "), Weight: 0.8},
			textmatch.Field{Name: "tags", Text: strings.Join(rec.Tags, " "), Weight: 0.6},
			textmatch.Field{Name: "description", Text: rec.Description, Weight: 0.5},
		).Match(terms)

		base := 0.0
		if q.Filters.AlertType != "" {
			base = alertTypeConfidence
			reasons = append([]string{"alert_type:" + strings.ToLower(q.Filters.AlertType)}, reasons...)
		}
		if q.Filters.Category != "" {
			base = 1 - (1-base)*0.7
			reasons = append(reasons, "category:"+strings.ToLower(q.Filters.Category))
		}
		confidence := 1 - (1-base)*(1-score)

		if q.ContentType == models.ContentTypeDecisionTrees && !hasDecisionTree(rec.Document) {
			continue
		}

		updated := rec.UpdatedAt
		results = append(results, models.SearchResult{
			ID:              rec.ID,
			Title:           rec.Title,
			Content:         rec.Description,
			ConfidenceScore: confidence,
			MatchReasons:    reasons,
			Severity:        rec.Severity,
			Category:        rec.Category,
			UpdatedAt:       &updated,
		})
	}

	return results, nil
}

func hasDecisionTree(doc []byte) bool {
	var probe struct {
		DecisionTree *models.DecisionTree `json:"decision_tree"`
	}
	return json.Unmarshal(doc, &probe) == nil && probe.DecisionTree != nil
}

func (a *Adapter) GetRunbook(ctx context.Context, id string) (*models.Runbook, error) {
	rec, err := a.store.GetRunbook(ctx, id)
	if errors.Is(err, sqlite.ErrNotFound) {
		return nil, models.ErrRunbookNotFound
	}
	if err != nil {
		return nil, err
	}
	return RecordToRunbook(rec)
}

// RecordToRunbook decodes the stored document, falling back to the indexed
// columns when the document is empty.
func RecordToRunbook(rec *storagemodels.RunbookRecord) (*models.Runbook, error) {
	rb := &models.Runbook{}
	if len(rec.Document) > 0 {
		if err := json.Unmarshal(rec.Document, rb); err != nil {
			return nil, fmt.Errorf("failed to decode runbook %s: %w", rec.ID, err)
		}
	}
	if rb.ID == "" {
		rb.ID = rec.ID
	}
	if rb.Title == "" {
		rb.Title = rec.Title
	}
	if rb.Description == "" {
		rb.Description = rec.Description
	}
	if rb.Category == "" {
		rb.Category = rec.Category
	}
	if rb.Severity == "" {
		rb.Severity = rec.Severity
	}
	if len(rb.AlertTypes) == 0 {
		rb.AlertTypes = rec.AlertTypes
	}
	if len(rb.Tags) == 0 {
		rb.Tags = rec.Tags
	}
	if rb.UpdatedAt.IsZero() {
		rb.UpdatedAt = rec.UpdatedAt
	}
	return rb, nil
}

// RunbookToRecord is the inverse of RecordToRunbook.
func RunbookToRecord(rb *models.Runbook) (*storagemodels.RunbookRecord, error) {
	doc, err := json.Marshal(rb)
	if err != nil {
		return nil, fmt.Errorf("failed to encode runbook %s: %w", rb.ID, err)
	}
	updated := rb.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return &storagemodels.RunbookRecord{
		ID:          rb.ID,
		Title:       rb.Title,
		Description: rb.Description,
		Category:    rb.Category,
		Severity:    rb.Severity,
		AlertTypes:  rb.AlertTypes,
		Tags:        rb.Tags,
		Document:    doc,
		UpdatedAt:   updated,
	}, nil
}
