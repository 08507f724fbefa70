package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/runbook-agent/backend/internal/adapters/textmatch"
	"github.com/runbook-agent/backend/internal/models"
)

const alertTypeConfidence = 0.6

type Options struct {
	Name string
	// Type is reported in metadata; "filesystem" or "vcs" for a checked-out
	// repository.
	Type string
	Path string
	// ReloadInterval re-reads the directory on the next search once elapsed.
	// Zero loads once.
	ReloadInterval time.Duration
	Logger         *zap.Logger
}

type document struct {
	runbook    models.Runbook
	path       string
	index      *textmatch.Index
	procedures []*textmatch.Index
}

// Adapter serves runbooks stored as YAML files under a directory tree.
type Adapter struct {
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	docs     []document
	byID     map[string]int
	loadedAt time.Time
	loaded   bool
}

func New(opts Options) *Adapter {
	if opts.Type == "" {
		opts.Type = "filesystem"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Adapter{opts: opts, logger: opts.Logger}
}

func (a *Adapter) ValidateConfig() error {
	if a.opts.Path == "" {
		return errors.New("settings.path is required")
	}
	info, err := os.Stat(a.opts.Path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", a.opts.Path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", a.opts.Path)
	}
	return nil
}

func (a *Adapter) Metadata() models.AdapterMetadata {
	return models.AdapterMetadata{
		Name:              a.opts.Name,
		Type:              a.opts.Type,
		SupportedFeatures: []string{"full_text", "filters", "procedures", "decision_trees", "runbook_lookup"},
	}
}

func (a *Adapter) HealthCheck(ctx context.Context) models.HealthReport {
	start := time.Now()
	err := a.ValidateConfig()
	if err == nil {
		err = ctx.Err()
	}

	report := models.HealthReport{
		Healthy:        err == nil,
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		report.ErrorMessage = err.Error()
	}
	return report
}

// Reload re-reads every runbook file. Files that fail to parse are skipped.
func (a *Adapter) Reload(ctx context.Context) error {
	runbooks, err := LoadRunbooks(ctx, a.opts.Path, a.logger)
	if err != nil {
		return err
	}

	docs := make([]document, 0, len(runbooks))
	byID := make(map[string]int, len(runbooks))
	for _, lr := range runbooks {
		if _, dup := byID[lr.Runbook.ID]; dup {
			a.logger.Warn("Duplicate runbook id, keeping first",
				zap.String("runbook_id", lr.Runbook.ID),
				zap.String("path", lr.Path),
			)
			continue
		}
		byID[lr.Runbook.ID] = len(docs)
		docs = append(docs, newDocument(lr))
	}

	a.mu.Lock()
	a.docs = docs
	a.byID = byID
	a.loadedAt = time.Now()
	a.loaded = true
	a.mu.Unlock()

	a.logger.Info("Runbooks loaded",
		zap.String("source", a.opts.Name),
		zap.String("path", a.opts.Path),
		zap.Int("count", len(docs)),
	)
	return nil
}

func newDocument(lr LoadedRunbook) document {
	rb := lr.Runbook
	d := document{
		runbook: rb,
		path:    lr.Path,
		index: textmatch.NewIndex(
			textmatch.Field{Name: "title", Text: rb.Title, Weight: 0.9},
			textmatch.Field{Name: "alert_types", Text: strings.Join(rb.AlertTypes, " "), Weight: 0.8},
			textmatch.Field{Name: "tags", Text: strings.Join(rb.Tags, " "), Weight: 0.6},
			textmatch.Field{Name: "description", Text: rb.Description, Weight: 0.5},
			textmatch.Field{Name: "procedures", Text: procedureText(rb.Procedures), Weight: 0.3},
		),
	}
	for _, p := range rb.Procedures {
		d.procedures = append(d.procedures, textmatch.NewIndex(
			textmatch.Field{Name: "procedure", Text: p.Name, Weight: 0.9},
			textmatch.Field{Name: "runbook", Text: rb.Title, Weight: 0.5},
			textmatch.Field{Name: "steps", Text: procedureText([]models.Procedure{p}), Weight: 0.4},
		))
	}
	return d
}

func procedureText(procs []models.Procedure) string {
	var b strings.Builder
	for _, p := range procs {
		b.WriteString(p.Name)
		b.WriteByte(' ')
		b.WriteString(p.Description)
		for _, s := range p.Steps {
			b.WriteByte(' ')
			b.WriteString(s.Action)
		}
		b.WriteByte(' ')
	}
	return b.String()
}

func (a *Adapter) ensureLoaded(ctx context.Context) error {
	a.mu.RLock()
	fresh := a.loaded && (a.opts.ReloadInterval <= 0 || time.Since(a.loadedAt) < a.opts.ReloadInterval)
	a.mu.RUnlock()
	if fresh {
		return nil
	}
	return a.Reload(ctx)
}

func (a *Adapter) Search(ctx context.Context, q models.SearchQuery) ([]models.SearchResult, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	terms := textmatch.Terms(q.Text)

	a.mu.RLock()
	defer a.mu.RUnlock()

	var results []models.SearchResult
	for _, d := range a.docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rb := d.runbook
		base, reasons, ok := filterMatch(rb, q.Filters)
		if !ok {
			continue
		}

		switch q.ContentType {
		case models.ContentTypeProcedures:
			for i, p := range rb.Procedures {
				score, why := d.procedures[i].Match(terms)
				confidence, allReasons := combine(base, reasons, score, why, len(terms))
				if confidence <= 0 {
					continue
				}
				results = append(results, a.result(d, rb.ID+"#"+p.ID, p.Name, p.Description, confidence, allReasons))
			}
			continue
		case models.ContentTypeDecisionTrees:
			if rb.DecisionTree == nil {
				continue
			}
		}

		score, why := d.index.Match(terms)
		confidence, allReasons := combine(base, reasons, score, why, len(terms))
		if confidence <= 0 {
			continue
		}
		results = append(results, a.result(d, rb.ID, rb.Title, rb.Description, confidence, allReasons))
	}

	return results, nil
}

// filterMatch applies the query filters. A runbook that leaves a filtered
// field blank still passes, except for alert_type which must be listed.
func filterMatch(rb models.Runbook, f models.SearchFilters) (float64, []string, bool) {
	if f.Severity != "" && rb.Severity != "" && !strings.EqualFold(rb.Severity, f.Severity) {
		return 0, nil, false
	}
	if f.Category != "" && rb.Category != "" && !strings.EqualFold(rb.Category, f.Category) {
		return 0, nil, false
	}

	var reasons []string
	base := 0.0
	if f.AlertType != "" {
		found := false
		for _, at := range rb.AlertTypes {
			if strings.EqualFold(at, f.AlertType) {
				found = true
				break
			}
		}
		if !found {
			return 0, nil, false
		}
		base = alertTypeConfidence
		reasons = append(reasons, "alert_type:"+strings.ToLower(f.AlertType))
	}
	if f.Category != "" && rb.Category != "" {
		base = 1 - (1-base)*0.7
		reasons = append(reasons, "category:"+strings.ToLower(f.Category))
	}
	return base, reasons, true
}

// combine merges filter evidence with text evidence. With query text present,
// a runbook must match some term to be returned.
func combine(base float64, reasons []string, score float64, why []string, termCount int) (float64, []string) {
	if termCount > 0 && score == 0 {
		return 0, nil
	}
	confidence := 1 - (1-base)*(1-score)
	out := make([]string, 0, len(reasons)+len(why))
	out = append(out, reasons...)
	out = append(out, why...)
	return confidence, out
}

func (a *Adapter) result(d document, id, title, content string, confidence float64, reasons []string) models.SearchResult {
	rb := d.runbook
	r := models.SearchResult{
		ID:              id,
		Title:           title,
		Content:         content,
		URL:             "file://" + d.path,
		ConfidenceScore: confidence,
		MatchReasons:    reasons,
		Severity:        rb.Severity,
		Category:        rb.Category,
		Metadata:        map[string]string{"runbook_id": rb.ID},
	}
	if !rb.UpdatedAt.IsZero() {
		updated := rb.UpdatedAt
		r.UpdatedAt = &updated
	}
	return r
}

func (a *Adapter) GetRunbook(ctx context.Context, id string) (*models.Runbook, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	i, ok := a.byID[id]
	if !ok {
		return nil, models.ErrRunbookNotFound
	}
	rb := a.docs[i].runbook
	return &rb, nil
}

type LoadedRunbook struct {
	Runbook models.Runbook
	Path    string
}

// LoadRunbooks walks dir for .yaml/.yml files. A file may hold several
// runbooks as a multi-document stream. Runbooks without an id take the file
// name; those without a title are skipped. UpdatedAt defaults to the file's
// modification time.
func LoadRunbooks(ctx context.Context, dir string, logger *zap.Logger) ([]LoadedRunbook, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var out []LoadedRunbook
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		runbooks, err := parseFile(path)
		if err != nil {
			logger.Warn("Skipping unreadable runbook file", zap.String("path", path), zap.Error(err))
			return nil
		}
		for _, rb := range runbooks {
			out = append(out, LoadedRunbook{Runbook: rb, Path: path})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load runbooks from %s: %w", dir, err)
	}
	return out, nil
}

func parseFile(path string) ([]models.Runbook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	var runbooks []models.Runbook
	dec := yaml.NewDecoder(f)
	for i := 0; ; i++ {
		var rb models.Runbook
		err := dec.Decode(&rb)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}

		if rb.ID == "" {
			rb.ID = stem
			if i > 0 {
				rb.ID = fmt.Sprintf("%s-%d", stem, i)
			}
		}
		if strings.TrimSpace(rb.Title) == "" {
			continue
		}
		rb.Severity = strings.ToLower(rb.Severity)
		if rb.UpdatedAt.IsZero() {
			rb.UpdatedAt = info.ModTime().UTC()
		}
		runbooks = append(runbooks, rb)
	}
	return runbooks, nil
}
