package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runbook-agent/backend/internal/cache"
	"github.com/runbook-agent/backend/internal/metrics"
	"github.com/runbook-agent/backend/internal/models"
	"github.com/runbook-agent/backend/internal/scoring"
	"github.com/runbook-agent/backend/internal/sources"
	storagemodels "github.com/runbook-agent/backend/internal/storage/models"
	"github.com/runbook-agent/backend/pkg/retry"
)

// HistoryStore records completed searches. Failures are logged only.
type HistoryStore interface {
	InsertSearchRecord(ctx context.Context, record *storagemodels.SearchRecord) error
}

type Config struct {
	DefaultDeadline time.Duration
	DefaultLimit    int
	MaxLimit        int
	// RetryDelay is the first backoff between attempts within a source's
	// retry budget.
	RetryDelay time.Duration
	Logger     *zap.Logger
}

const cacheLookupShare = 2

type Orchestrator struct {
	cfg      Config
	cache    *cache.Manager
	registry *sources.Registry
	scorer   *scoring.Scorer
	history  HistoryStore
	logger   *zap.Logger
}

func NewOrchestrator(cfg Config, cacheManager *cache.Manager, registry *sources.Registry, scorer *scoring.Scorer, history HistoryStore) *Orchestrator {
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 2 * time.Second
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	if cfg.DefaultLimit <= 0 || cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = min(10, cfg.MaxLimit)
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 25 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Orchestrator{
		cfg:      cfg,
		cache:    cacheManager,
		registry: registry,
		scorer:   scorer,
		history:  history,
		logger:   cfg.Logger,
	}
}

// Search answers q from the cache or by fanning out to every eligible source.
// Source failures never fail the search; only a malformed query does.
func (o *Orchestrator) Search(ctx context.Context, q models.SearchQuery) (*models.SearchResponse, error) {
	start := time.Now()

	q, err := o.normalize(q)
	if err != nil {
		metrics.SearchTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	fingerprint := Fingerprint(q)
	key := CacheKey(q.ContentType, fingerprint)
	searchID := uuid.New().String()

	deadline := q.Deadline
	if deadline <= 0 {
		deadline = o.cfg.DefaultDeadline
	}
	searchCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// A hung remote cache tier may only take part of the deadline; the
	// sources always get the remainder.
	lookupCtx, cancelLookup := context.WithTimeout(searchCtx, deadline/cacheLookupShare)
	var cached models.SearchResponse
	hit := o.cache.Get(lookupCtx, key, q.ContentType, &cached)
	cancelLookup()
	if hit {
		cached.ID = searchID
		cached.CacheHit = true
		cached.TookMS = time.Since(start).Milliseconds()
		o.finish(ctx, q, &cached, start)
		return &cached, nil
	}

	eligible := o.registry.EligibleSources(q.Filters)
	raw, outcomes := o.fanOut(searchCtx, q, eligible)

	threshold, _ := q.Filters.Threshold()
	ranked := o.scorer.Rank(postFilter(raw, q.Filters), scoring.Options{
		Threshold:  threshold,
		Limit:      q.Filters.Limit,
		MaxAgeDays: q.Filters.MaxAgeDays,
		Now:        time.Now(),
	})

	answered := false
	partial := false
	for _, out := range outcomes {
		if out.Status == models.OutcomeOK {
			answered = true
		} else {
			partial = true
		}
	}

	resp := &models.SearchResponse{
		ID:          searchID,
		Fingerprint: fingerprint,
		Results:     ranked,
		Partial:     partial,
		Outcomes:    outcomes,
	}

	// The memory tier is always written; the remote write-back only gets
	// whatever is left of the deadline.
	if answered {
		if err := o.cache.Set(searchCtx, key, q.ContentType, resp); err != nil {
			o.logger.Warn("Failed to cache search response", zap.String("search_id", searchID), zap.Error(err))
		}
	}

	resp.TookMS = time.Since(start).Milliseconds()
	o.finish(ctx, q, resp, start)
	return resp, nil
}

func (o *Orchestrator) finish(ctx context.Context, q models.SearchQuery, resp *models.SearchResponse, start time.Time) {
	cacheLabel := "miss"
	if resp.CacheHit {
		cacheLabel = "hit"
	}
	status := "ok"
	if resp.Partial {
		status = "partial"
	}

	metrics.SearchDuration.WithLabelValues(string(q.ContentType), cacheLabel).Observe(time.Since(start).Seconds())
	metrics.SearchTotal.WithLabelValues(status).Inc()
	metrics.SearchResultsCount.Observe(float64(len(resp.Results)))
	for _, r := range resp.Results {
		metrics.ConfidenceScore.Observe(r.ConfidenceScore)
	}

	o.logger.Info("Search completed",
		zap.String("search_id", resp.ID),
		zap.String("content_type", string(q.ContentType)),
		zap.Int("results", len(resp.Results)),
		zap.Bool("cache_hit", resp.CacheHit),
		zap.Bool("partial", resp.Partial),
		zap.Int64("took_ms", resp.TookMS),
	)

	if o.history == nil {
		return
	}

	record := &storagemodels.SearchRecord{
		ID:          resp.ID,
		QueryText:   q.Text,
		ContentType: string(q.ContentType),
		Fingerprint: resp.Fingerprint,
		ResultCount: len(resp.Results),
		CacheHit:    resp.CacheHit,
		Partial:     resp.Partial,
		LatencyMS:   resp.TookMS,
		CreatedAt:   time.Now(),
	}
	if len(resp.Results) > 0 {
		record.TopScore = resp.Results[0].ConfidenceScore
	}
	if !resp.CacheHit {
		for _, out := range resp.Outcomes {
			record.Sources = append(record.Sources, storagemodels.SearchSourceRecord{
				Source:      out.Source,
				Status:      string(out.Status),
				ResultCount: out.ResultCount,
				LatencyMS:   out.LatencyMS,
				Error:       out.Error,
			})
		}
	}
	if err := o.history.InsertSearchRecord(ctx, record); err != nil {
		o.logger.Warn("Failed to record search", zap.String("search_id", resp.ID), zap.Error(err))
	}
}

type sourceReply struct {
	source  sources.Source
	results []models.SearchResult
	err     error
	latency time.Duration
}

// fanOut queries every source concurrently and collects replies until all
// have answered or ctx is done. Sources still running at that point are
// abandoned; their late replies land in the buffered channel and are dropped.
func (o *Orchestrator) fanOut(ctx context.Context, q models.SearchQuery, eligible []sources.Source) ([]models.SearchResult, []models.SourceOutcome) {
	if len(eligible) == 0 {
		return nil, []models.SourceOutcome{}
	}

	start := time.Now()
	replies := make(chan sourceReply, len(eligible))
	for _, src := range eligible {
		go o.callSource(ctx, src, q, replies)
	}

	got := make(map[string]sourceReply, len(eligible))
collect:
	for len(got) < len(eligible) {
		select {
		case r := <-replies:
			got[r.source.Name] = r
		case <-ctx.Done():
			break collect
		}
	}

	var raw []models.SearchResult
	outcomes := make([]models.SourceOutcome, 0, len(eligible))
	for _, src := range eligible {
		r, ok := got[src.Name]
		if !ok {
			r = sourceReply{source: src, err: ctx.Err(), latency: time.Since(start)}
			if r.err == nil {
				r.err = context.DeadlineExceeded
			}
		}

		outcome := models.SourceOutcome{
			Source:      src.Name,
			Status:      models.OutcomeOK,
			ResultCount: len(r.results),
			LatencyMS:   r.latency.Milliseconds(),
		}
		if r.err != nil {
			failure := models.NewTransientSourceFailure(src.Name, r.err)
			outcome.Status = models.OutcomeError
			if failure.Timeout {
				outcome.Status = models.OutcomeTimeout
			}
			outcome.ResultCount = 0
			outcome.Error = failure.Error()

			o.logger.Warn("Source failed during search",
				zap.String("source", src.Name),
				zap.String("status", string(outcome.Status)),
				zap.Error(r.err),
			)
		} else {
			raw = append(raw, r.results...)
		}

		o.registry.RecordOutcome(src.Name, r.err)
		metrics.SourceRequests.WithLabelValues(src.Name, string(outcome.Status)).Inc()
		metrics.SourceLatency.WithLabelValues(src.Name).Observe(r.latency.Seconds())
		outcomes = append(outcomes, outcome)
	}

	return raw, outcomes
}

func (o *Orchestrator) callSource(ctx context.Context, src sources.Source, q models.SearchQuery, replies chan<- sourceReply) {
	start := time.Now()
	reply := func(results []models.SearchResult, err error) {
		replies <- sourceReply{source: src, results: results, err: err, latency: time.Since(start)}
	}

	if err := o.registry.Acquire(ctx); err != nil {
		reply(nil, err)
		return
	}
	defer o.registry.Release()

	timeout := src.Timeout()
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := retry.DoWithResult(callCtx, retry.Config{
		MaxAttempts:  src.RetryBudget + 1,
		InitialDelay: o.cfg.RetryDelay,
		MaxDelay:     8 * o.cfg.RetryDelay,
		Multiplier:   2,
		Retryable: func(err error) bool {
			var cfgErr *models.SourceConfigurationError
			return !models.IsValidationError(err) && !errors.As(err, &cfgErr)
		},
		Logger: o.logger,
	}, func(ctx context.Context) ([]models.SearchResult, error) {
		return invoke(ctx, src.Adapter, q)
	})
	if err != nil {
		reply(nil, err)
		return
	}

	elapsed := time.Since(start).Milliseconds()
	stamped := make([]models.SearchResult, len(results))
	for i, r := range results {
		r.Source = src.Name
		r.SourceType = src.Type
		r.SourcePriority = src.Priority
		if r.RetrievalTimeMS == 0 {
			r.RetrievalTimeMS = elapsed
		}
		stamped[i] = r
	}
	reply(stamped, nil)
}

// invoke runs one adapter call and returns as soon as ctx is done, even if the
// adapter has not returned yet.
func invoke(ctx context.Context, adapter sources.Adapter, q models.SearchQuery) ([]models.SearchResult, error) {
	type result struct {
		results []models.SearchResult
		err     error
	}

	done := make(chan result, 1)
	go func() {
		res, err := adapter.Search(ctx, q)
		done <- result{res, err}
	}()

	select {
	case r := <-done:
		if r.err == nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return r.results, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// postFilter drops results whose own severity or category contradict the
// query filters. Results that carry no value pass.
func postFilter(raw []models.SearchResult, f models.SearchFilters) []models.SearchResult {
	if f.Severity == "" && f.Category == "" {
		return raw
	}
	out := raw[:0:0]
	for _, r := range raw {
		if f.Severity != "" && r.Severity != "" && !strings.EqualFold(r.Severity, f.Severity) {
			continue
		}
		if f.Category != "" && r.Category != "" && !strings.EqualFold(r.Category, f.Category) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// GetRunbook resolves a full runbook from the first eligible source that can
// provide it, caching the result under the runbooks policy.
func (o *Orchestrator) GetRunbook(ctx context.Context, id string) (*models.Runbook, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, models.NewValidationError("id", "runbook id is required")
	}

	key := RunbookKey(id)
	var cached models.Runbook
	if o.cache.Get(ctx, key, models.ContentTypeRunbooks, &cached) {
		return &cached, nil
	}

	for _, src := range o.registry.EligibleSources(models.SearchFilters{}) {
		provider, ok := src.Adapter.(sources.RunbookProvider)
		if !ok {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, src.Timeout())
		rb, err := provider.GetRunbook(callCtx, id)
		cancel()

		if errors.Is(err, models.ErrRunbookNotFound) {
			continue
		}
		o.registry.RecordOutcome(src.Name, err)
		if err != nil {
			o.logger.Warn("Runbook lookup failed",
				zap.String("source", src.Name),
				zap.String("runbook_id", id),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				return nil, fmt.Errorf("failed to resolve runbook %s: %w", id, ctx.Err())
			}
			continue
		}
		if rb == nil {
			continue
		}

		if err := o.cache.Set(ctx, key, models.ContentTypeRunbooks, rb); err != nil {
			o.logger.Warn("Failed to cache runbook", zap.String("runbook_id", id), zap.Error(err))
		}
		return rb, nil
	}

	return nil, fmt.Errorf("%w: %s", models.ErrRunbookNotFound, id)
}

// Warm runs a representative query so its result is cached before traffic
// arrives. It matches the callback shape cache.Manager.Warmup expects.
func (o *Orchestrator) Warm(contentType models.ContentType) func(ctx context.Context, query string) error {
	return func(ctx context.Context, query string) error {
		_, err := o.Search(ctx, models.SearchQuery{Text: query, ContentType: contentType})
		return err
	}
}
