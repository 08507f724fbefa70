package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/runbook-agent/backend/internal/adapters/database"
	"github.com/runbook-agent/backend/internal/adapters/filesystem"
	"github.com/runbook-agent/backend/internal/kg/neo4j"
	"github.com/runbook-agent/backend/internal/models"
	storagemodels "github.com/runbook-agent/backend/internal/storage/models"
	"github.com/runbook-agent/backend/internal/vector/zilliz"
)

const defaultEdgeConfidence = 0.8

type RunbookSink interface {
	UpsertRunbook(ctx context.Context, rb *storagemodels.RunbookRecord) error
}

type GraphSink interface {
	UpsertResolution(ctx context.Context, res neo4j.Resolution) error
}

type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

type VectorSink interface {
	Insert(ctx context.Context, chunks []zilliz.RunbookChunk) error
}

// Sinks lists where ingested runbooks are written. Nil sinks are skipped;
// vectors need both Embedder and Vectors.
type Sinks struct {
	Runbooks RunbookSink
	Graph    GraphSink
	Embedder Embedder
	Vectors  VectorSink
}

type Report struct {
	Runbooks int
	Edges    int
	Chunks   int
	Failed   int
}

type Processor struct {
	sinks        Sinks
	chunkSize    int
	chunkOverlap int
	logger       *zap.Logger
}

func NewProcessor(sinks Sinks, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		sinks:        sinks,
		chunkSize:    1000,
		chunkOverlap: 100,
		logger:       logger,
	}
}

// IngestDir loads every runbook under dir and writes it to the sinks.
func (p *Processor) IngestDir(ctx context.Context, dir string) (Report, error) {
	loaded, err := filesystem.LoadRunbooks(ctx, dir, p.logger)
	if err != nil {
		return Report{}, err
	}

	runbooks := make([]models.Runbook, len(loaded))
	for i, lr := range loaded {
		runbooks[i] = lr.Runbook
	}
	return p.Ingest(ctx, runbooks)
}

// Ingest writes each runbook to every configured sink. A runbook that fails
// is counted and skipped; the joined errors are returned with the report.
func (p *Processor) Ingest(ctx context.Context, runbooks []models.Runbook) (Report, error) {
	var (
		report Report
		errs   []error
	)

	for i := range runbooks {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		rb := &runbooks[i]
		edges, chunks, err := p.processRunbook(ctx, rb)
		report.Edges += edges
		report.Chunks += chunks
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("runbook %s: %w", rb.ID, err))
			p.logger.Warn("Failed to ingest runbook", zap.String("runbook_id", rb.ID), zap.Error(err))
			continue
		}
		report.Runbooks++
	}

	p.logger.Info("Runbook ingestion completed",
		zap.Int("runbooks", report.Runbooks),
		zap.Int("edges", report.Edges),
		zap.Int("chunks", report.Chunks),
		zap.Int("failed", report.Failed),
	)

	return report, errors.Join(errs...)
}

func (p *Processor) processRunbook(ctx context.Context, rb *models.Runbook) (edges, chunks int, err error) {
	if rb.UpdatedAt.IsZero() {
		rb.UpdatedAt = time.Now().UTC()
	}

	record, err := database.RunbookToRecord(rb)
	if err != nil {
		return 0, 0, err
	}

	if p.sinks.Runbooks != nil {
		if err := p.sinks.Runbooks.UpsertRunbook(ctx, record); err != nil {
			return 0, 0, fmt.Errorf("failed to store runbook: %w", err)
		}
	}

	if p.sinks.Graph != nil {
		node := neo4j.RunbookNode{
			ID:          rb.ID,
			Title:       rb.Title,
			Description: rb.Description,
			Category:    rb.Category,
			Severity:    rb.Severity,
			Document:    string(record.Document),
		}
		confidence := edgeConfidence(rb)
		for _, alertType := range rb.AlertTypes {
			if err := p.sinks.Graph.UpsertResolution(ctx, neo4j.Resolution{
				AlertType:  alertType,
				Runbook:    node,
				Confidence: confidence,
			}); err != nil {
				return edges, 0, fmt.Errorf("failed to link alert type %s: %w", alertType, err)
			}
			edges++
		}
	}

	if p.sinks.Embedder != nil && p.sinks.Vectors != nil {
		n, err := p.embedRunbook(ctx, rb)
		if err != nil {
			return edges, 0, err
		}
		chunks = n
	}

	return edges, chunks, nil
}

// edgeConfidence reads metadata.confidence, falling back to a default.
func edgeConfidence(rb *models.Runbook) float64 {
	if v, ok := rb.Metadata["confidence"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			return f
		}
	}
	return defaultEdgeConfidence
}

func (p *Processor) embedRunbook(ctx context.Context, rb *models.Runbook) (int, error) {
	texts := p.chunkText(runbookText(rb))
	if len(texts) == 0 {
		return 0, nil
	}

	embeddings, err := p.sinks.Embedder.GenerateBatchEmbeddings(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(embeddings) != len(texts) {
		return 0, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(texts))
	}

	chunks := make([]zilliz.RunbookChunk, len(texts))
	for i, text := range texts {
		chunks[i] = zilliz.RunbookChunk{
			ID:        fmt.Sprintf("%s_chunk_%d", rb.ID, i),
			RunbookID: rb.ID,
			Title:     rb.Title,
			Text:      text,
			Category:  rb.Category,
			Severity:  rb.Severity,
			Embedding: embeddings[i],
			UpdatedAt: rb.UpdatedAt,
		}
	}

	if err := p.sinks.Vectors.Insert(ctx, chunks); err != nil {
		return 0, fmt.Errorf("failed to insert into vector DB: %w", err)
	}
	return len(chunks), nil
}

func runbookText(rb *models.Runbook) string {
	var b strings.Builder
	b.WriteString(rb.Title)
	b.WriteString(". ")
	b.WriteString(rb.Description)
	if len(rb.AlertTypes) > 0 {
		b.WriteString(" Alerts: ")
		b.WriteString(strings.Join(rb.AlertTypes, ", "))
	}
	if len(rb.Tags) > 0 {
		b.WriteString(". Tags: ")
		b.WriteString(strings.Join(rb.Tags, ", "))
	}
	for _, proc := range rb.Procedures {
		b.WriteString(". ")
		b.WriteString(proc.Name)
		for _, step := range proc.Steps {
			b.WriteString(". ")
			b.WriteString(step.Action)
		}
	}
	return b.String()
}

// chunkText splits text on word boundaries into chunks of about chunkSize
// bytes, repeating the tail of each chunk at the start of the next.
func (p *Processor) chunkText(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	overlapWords := p.chunkOverlap / 10

	var chunks []string
	var current []string
	size := 0

	for _, word := range words {
		wordLen := len(word) + 1

		if size+wordLen > p.chunkSize && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, " "))

			start := max(0, len(current)-overlapWords)
			current = append([]string(nil), current[start:]...)
			size = 0
			for _, w := range current {
				size += len(w) + 1
			}
		}

		current = append(current, word)
		size += wordLen
	}

	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}

	return chunks
}
