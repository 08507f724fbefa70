package sources

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/runbook-agent/backend/internal/metrics"
	"github.com/runbook-agent/backend/internal/models"
)

type Config struct {
	// MaxConcurrency bounds adapter calls in flight across all queries.
	MaxConcurrency   int64
	HealthTimeout    time.Duration
	FailuresToDemote int
	// Query-time failures demote a source one level when at least MinSamples
	// outcomes within ErrorRateWindow fail at ErrorRateThreshold or more.
	ErrorRateWindow    time.Duration
	ErrorRateThreshold float64
	MinSamples         int
	Logger             *zap.Logger
	Clock              func() time.Time
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 16
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 5 * time.Second
	}
	if c.FailuresToDemote <= 0 {
		c.FailuresToDemote = 3
	}
	if c.ErrorRateWindow <= 0 {
		c.ErrorRateWindow = time.Minute
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = 0.5
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 10
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type sample struct {
	at     time.Time
	failed bool
}

type entry struct {
	mu sync.Mutex

	desc    models.SourceDescriptor
	adapter Adapter
	seq     int

	health              models.HealthState
	consecutiveFailures int
	lastCheck           time.Time
	lastReport          models.HealthReport
	samples             []sample
}

// Status is a point-in-time view of one registered source.
type Status struct {
	Name                string             `json:"name"`
	Type                string             `json:"type"`
	Priority            int                `json:"priority"`
	Enabled             bool               `json:"enabled"`
	Health              models.HealthState `json:"health"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	LastCheck           *time.Time         `json:"last_check,omitempty"`
	LastResponseMS      int64              `json:"last_response_ms"`
	LastError           string             `json:"last_error,omitempty"`
	ErrorRate           float64            `json:"error_rate"`
	Samples             int                `json:"samples"`
	Features            []string           `json:"features,omitempty"`
}

type Registry struct {
	cfg Config
	sem *semaphore.Weighted

	mu      sync.RWMutex
	entries map[string]*entry
	ordered []*entry
	nextSeq int
}

func NewRegistry(cfg Config) *Registry {
	cfg.applyDefaults()
	return &Registry{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrency),
		entries: make(map[string]*entry),
	}
}

// Register adds a source. A SourceConfigurationError means only this source
// was rejected; callers keep registering the rest.
func (r *Registry) Register(desc models.SourceDescriptor, adapter Adapter) error {
	if desc.Name == "" {
		return models.NewValidationError("name", "source name is required")
	}
	if desc.TimeoutMS <= 0 {
		return models.NewValidationError("timeout_ms", fmt.Sprintf("source %s: timeout must be positive", desc.Name))
	}
	if desc.RetryBudget < 0 {
		return models.NewValidationError("retry_budget", fmt.Sprintf("source %s: retry budget must not be negative", desc.Name))
	}
	if adapter == nil {
		return &models.SourceConfigurationError{Source: desc.Name, Err: fmt.Errorf("no adapter")}
	}
	if v, ok := adapter.(ConfigValidator); ok {
		if err := v.ValidateConfig(); err != nil {
			return &models.SourceConfigurationError{Source: desc.Name, Err: err}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[desc.Name]; exists {
		return models.NewValidationError("name", fmt.Sprintf("source %s already registered", desc.Name))
	}

	e := &entry{
		desc:    desc,
		adapter: adapter,
		seq:     r.nextSeq,
		health:  models.HealthHealthy,
	}
	r.nextSeq++
	r.entries[desc.Name] = e
	r.ordered = append(r.ordered, e)
	sort.SliceStable(r.ordered, func(i, j int) bool {
		if r.ordered[i].desc.Priority != r.ordered[j].desc.Priority {
			return r.ordered[i].desc.Priority < r.ordered[j].desc.Priority
		}
		return r.ordered[i].seq < r.ordered[j].seq
	})

	metrics.SourceHealth.WithLabelValues(desc.Name).Set(float64(models.HealthHealthy.Level()))
	r.cfg.Logger.Info("Source registered",
		zap.String("source", desc.Name),
		zap.String("type", desc.Type),
		zap.Int("priority", desc.Priority),
		zap.Bool("enabled", desc.Enabled),
	)
	return nil
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	return e, ok
}

func (r *Registry) all() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]*entry(nil), r.ordered...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.ordered)
}

// HealthCheck probes one source with the configured timeout and applies the
// result to its health state.
func (r *Registry) HealthCheck(ctx context.Context, name string) (models.HealthReport, error) {
	e, ok := r.lookup(name)
	if !ok {
		return models.HealthReport{}, fmt.Errorf("%w: %s", models.ErrSourceNotFound, name)
	}

	report := r.probe(ctx, e)
	r.applyProbe(e, report)
	return report, nil
}

func (r *Registry) probe(ctx context.Context, e *entry) models.HealthReport {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.HealthTimeout)
	defer cancel()

	start := r.cfg.Clock()
	done := make(chan models.HealthReport, 1)
	go func() {
		done <- e.adapter.HealthCheck(ctx)
	}()

	select {
	case report := <-done:
		return report
	case <-ctx.Done():
		return models.HealthReport{
			Healthy:        false,
			ResponseTimeMS: r.cfg.Clock().Sub(start).Milliseconds(),
			ErrorMessage:   fmt.Sprintf("health check aborted: %v", ctx.Err()),
		}
	}
}

func (r *Registry) applyProbe(e *entry, report models.HealthReport) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastCheck = r.cfg.Clock()
	e.lastReport = report

	prev := e.health
	if report.Healthy {
		e.consecutiveFailures = 0
		e.health = e.health.Promote()
	} else {
		e.consecutiveFailures++
		if e.consecutiveFailures >= r.cfg.FailuresToDemote {
			e.health = e.health.Demote()
			e.consecutiveFailures = 0
		}
	}

	r.transitioned(e, prev, report.ErrorMessage)
}

// transitioned must be called with e.mu held.
func (r *Registry) transitioned(e *entry, prev models.HealthState, reason string) {
	if prev == e.health {
		return
	}

	metrics.SourceHealth.WithLabelValues(e.desc.Name).Set(float64(e.health.Level()))
	r.cfg.Logger.Info("Source health changed",
		zap.String("source", e.desc.Name),
		zap.String("from", string(prev)),
		zap.String("to", string(e.health)),
		zap.String("reason", reason),
	)
}

// CheckAll probes every registered source concurrently, bounded by the
// registry concurrency limit.
func (r *Registry) CheckAll(ctx context.Context) map[string]models.HealthReport {
	entries := r.all()
	reports := make(map[string]models.HealthReport, len(entries))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(int(r.cfg.MaxConcurrency))
	for _, e := range entries {
		e := e
		g.Go(func() error {
			report := r.probe(gctx, e)
			r.applyProbe(e, report)

			mu.Lock()
			reports[e.desc.Name] = report
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return reports
}

// Run probes all sources every interval until ctx is done. The first probe
// happens one interval after Run starts; startup probing is the caller's
// CheckAll.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckAll(ctx)
		}
	}
}

// EligibleSources returns enabled, non-offline sources ordered by priority
// then registration order, restricted to filters.SourceTypes when given.
func (r *Registry) EligibleSources(filters models.SearchFilters) []Source {
	allowed := make(map[string]bool, len(filters.SourceTypes))
	for _, t := range filters.SourceTypes {
		allowed[strings.ToLower(strings.TrimSpace(t))] = true
	}

	var out []Source
	for _, e := range r.all() {
		e.mu.Lock()
		desc, health := e.desc, e.health
		e.mu.Unlock()

		if !desc.Enabled || health == models.HealthOffline {
			continue
		}
		if len(allowed) > 0 && !allowed[strings.ToLower(desc.Type)] {
			continue
		}
		out = append(out, Source{SourceDescriptor: desc, Adapter: e.adapter})
	}
	return out
}

// RecordOutcome feeds a query-time result into the source's error-rate
// window. Failures never promote; a sustained error rate demotes one level.
func (r *Registry) RecordOutcome(name string, err error) {
	e, ok := r.lookup(name)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := r.cfg.Clock()
	e.samples = append(e.samples, sample{at: now, failed: err != nil})

	cutoff := now.Add(-r.cfg.ErrorRateWindow)
	i := 0
	for i < len(e.samples) && e.samples[i].at.Before(cutoff) {
		i++
	}
	e.samples = e.samples[i:]

	if len(e.samples) < r.cfg.MinSamples {
		return
	}
	if errorRate(e.samples) < r.cfg.ErrorRateThreshold {
		return
	}

	prev := e.health
	e.health = e.health.Demote()
	e.samples = e.samples[:0]
	r.transitioned(e, prev, "sustained query error rate")
}

func errorRate(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	failed := 0
	for _, s := range samples {
		if s.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(samples))
}

// Acquire takes one fan-out slot, blocking until one frees up or ctx ends.
func (r *Registry) Acquire(ctx context.Context) error {
	return r.sem.Acquire(ctx, 1)
}

func (r *Registry) Release() {
	r.sem.Release(1)
}

func (r *Registry) Health(name string) (models.HealthState, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health, true
}

func (r *Registry) Snapshot() []Status {
	entries := r.all()
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		s := Status{
			Name:                e.desc.Name,
			Type:                e.desc.Type,
			Priority:            e.desc.Priority,
			Enabled:             e.desc.Enabled,
			Health:              e.health,
			ConsecutiveFailures: e.consecutiveFailures,
			LastResponseMS:      e.lastReport.ResponseTimeMS,
			LastError:           e.lastReport.ErrorMessage,
			ErrorRate:           errorRate(e.samples),
			Samples:             len(e.samples),
			Features:            e.adapter.Metadata().SupportedFeatures,
		}
		if !e.lastCheck.IsZero() {
			t := e.lastCheck
			s.LastCheck = &t
		}
		e.mu.Unlock()
		out = append(out, s)
	}
	return out
}
