package search

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/runbook-agent/backend/internal/cache"
	"github.com/runbook-agent/backend/internal/cache/memory"
	"github.com/runbook-agent/backend/internal/models"
	"github.com/runbook-agent/backend/internal/scoring"
	"github.com/runbook-agent/backend/internal/sources"
	storagemodels "github.com/runbook-agent/backend/internal/storage/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAdapter struct {
	name     string
	results  []models.SearchResult
	delay    time.Duration
	err      error
	failures int32
	calls    atomic.Int32
	runbooks map[string]*models.Runbook
}

func (f *fakeAdapter) Search(ctx context.Context, _ models.SearchQuery) ([]models.SearchResult, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= f.failures {
		return nil, errors.New("transient")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func (f *fakeAdapter) HealthCheck(context.Context) models.HealthReport {
	return models.HealthReport{Healthy: true}
}

func (f *fakeAdapter) Metadata() models.AdapterMetadata {
	return models.AdapterMetadata{Name: f.name, Type: "fake"}
}

type providerAdapter struct {
	*fakeAdapter
}

func (p providerAdapter) GetRunbook(_ context.Context, id string) (*models.Runbook, error) {
	p.calls.Add(1)
	rb, ok := p.runbooks[id]
	if !ok {
		return nil, models.ErrRunbookNotFound
	}
	return rb, nil
}

type memHistory struct {
	mu      sync.Mutex
	records []*storagemodels.SearchRecord
}

func (h *memHistory) InsertSearchRecord(_ context.Context, r *storagemodels.SearchRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

type fixture struct {
	orch     *Orchestrator
	registry *sources.Registry
	cache    *cache.Manager
	history  *memHistory
}

func newFixture(t *testing.T, deadline time.Duration) *fixture {
	t.Helper()

	mem, err := memory.New(100, memory.EvictLRU, nil)
	require.NoError(t, err)
	cm, err := cache.NewManager(cache.Config{
		Mode: cache.ModeMemoryOnly,
		Policies: map[models.ContentType]cache.ContentTypePolicy{
			models.ContentTypeRunbooks:   {TTL: time.Minute},
			models.ContentTypeProcedures: {TTL: time.Minute},
		},
	}, mem, nil, nil)
	require.NoError(t, err)

	registry := sources.NewRegistry(sources.Config{MaxConcurrency: 8})
	history := &memHistory{}
	orch := NewOrchestrator(Config{
		DefaultDeadline: deadline,
		DefaultLimit:    10,
		MaxLimit:        50,
		RetryDelay:      time.Millisecond,
	}, cm, registry, scoring.NewScorer(scoring.DefaultWeights()), history)

	return &fixture{orch: orch, registry: registry, cache: cm, history: history}
}

func (f *fixture) register(t *testing.T, name string, priority int, timeout time.Duration, adapter sources.Adapter) {
	t.Helper()
	require.NoError(t, f.registry.Register(models.SourceDescriptor{
		Name:      name,
		Type:      "fake",
		Priority:  priority,
		Enabled:   true,
		TimeoutMS: int(timeout.Milliseconds()),
	}, adapter))
}

func threshold(v float64) *float64 {
	return &v
}

func TestSearchScenario(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond)
	f.register(t, "source1", 1, time.Second, &fakeAdapter{name: "source1", results: []models.SearchResult{
		{ID: "rb-disk-1", Title: "Disk space critical", ConfidenceScore: 0.9},
		{ID: "rb-disk-weak", Title: "Generic storage", ConfidenceScore: 0.4},
	}})
	f.register(t, "source2", 2, time.Second, &fakeAdapter{name: "source2", results: []models.SearchResult{
		{ID: "rb-disk-2", Title: "Disk cleanup", ConfidenceScore: 0.85},
	}})
	f.register(t, "source3", 3, time.Second, &fakeAdapter{name: "source3", delay: 5 * time.Second})

	start := time.Now()
	resp, err := f.orch.Search(context.Background(), models.SearchQuery{
		Text: "disk space",
		Filters: models.SearchFilters{
			AlertType:           "disk_space",
			Severity:            "critical",
			ConfidenceThreshold: threshold(0.5),
		},
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 400*time.Millisecond)

	require.Len(t, resp.Results, 2)
	assert.Equal(t, "source1", resp.Results[0].Source)
	assert.InDelta(t, 0.9, resp.Results[0].ConfidenceScore, 1e-9)
	assert.Equal(t, "source2", resp.Results[1].Source)
	assert.InDelta(t, 0.85, resp.Results[1].ConfidenceScore, 1e-9)
	assert.Equal(t, 2, resp.Results[1].SourcePriority)
	assert.Equal(t, "fake", resp.Results[1].SourceType)

	assert.True(t, resp.Partial)
	assert.False(t, resp.CacheHit)
	require.Len(t, resp.Outcomes, 3)
	assert.Equal(t, models.OutcomeOK, resp.Outcomes[0].Status)
	assert.Equal(t, 2, resp.Outcomes[0].ResultCount)
	assert.Equal(t, models.OutcomeTimeout, resp.Outcomes[2].Status)
	assert.NotEmpty(t, resp.Outcomes[2].Error)
}

func TestSearchTwoOfThreeTimeOut(t *testing.T) {
	deadline := 100 * time.Millisecond
	f := newFixture(t, deadline)
	f.register(t, "fast", 1, time.Second, &fakeAdapter{name: "fast", results: []models.SearchResult{{ID: "a", ConfidenceScore: 0.8}}})
	f.register(t, "slow1", 2, time.Second, &fakeAdapter{name: "slow1", delay: time.Second, results: []models.SearchResult{{ID: "b", ConfidenceScore: 0.9}}})
	f.register(t, "slow2", 3, time.Second, &fakeAdapter{name: "slow2", delay: time.Second, results: []models.SearchResult{{ID: "c", ConfidenceScore: 0.9}}})

	start := time.Now()
	resp, err := f.orch.Search(context.Background(), models.SearchQuery{Text: "cpu"})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, deadline+150*time.Millisecond)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "fast", resp.Results[0].Source)
	assert.Equal(t, models.OutcomeTimeout, resp.Outcomes[1].Status)
	assert.Equal(t, models.OutcomeTimeout, resp.Outcomes[2].Status)
}

func TestSearchPerSourceTimeout(t *testing.T) {
	f := newFixture(t, time.Second)
	f.register(t, "fast", 1, time.Second, &fakeAdapter{name: "fast", results: []models.SearchResult{{ID: "a", ConfidenceScore: 0.8}}})
	f.register(t, "tight", 2, 20*time.Millisecond, &fakeAdapter{name: "tight", delay: 500 * time.Millisecond})

	start := time.Now()
	resp, err := f.orch.Search(context.Background(), models.SearchQuery{Text: "cpu"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
	assert.Equal(t, models.OutcomeTimeout, resp.Outcomes[1].Status)
}

// hangingRemote never answers before its caller gives up.
type hangingRemote struct {
	calls atomic.Int32
}

func (h *hangingRemote) wait(ctx context.Context) error {
	h.calls.Add(1)
	select {
	case <-time.After(time.Second):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *hangingRemote) Get(ctx context.Context, _ string) (memory.Entry, bool, error) {
	return memory.Entry{}, false, h.wait(ctx)
}

func (h *hangingRemote) Set(ctx context.Context, _ string, _ memory.Entry) error {
	return h.wait(ctx)
}

func (h *hangingRemote) Delete(ctx context.Context, _ string) error {
	return h.wait(ctx)
}

func (h *hangingRemote) DeletePrefix(ctx context.Context, _ string) (int, error) {
	return 0, h.wait(ctx)
}

func (h *hangingRemote) Ping(ctx context.Context) error {
	return h.wait(ctx)
}

func TestSearchDeadlineCoversHangingRemoteCache(t *testing.T) {
	deadline := 100 * time.Millisecond

	mem, err := memory.New(100, memory.EvictLRU, nil)
	require.NoError(t, err)
	remote := &hangingRemote{}
	cm, err := cache.NewManager(cache.Config{
		Mode:              cache.ModeHybrid,
		Policies:          map[models.ContentType]cache.ContentTypePolicy{models.ContentTypeRunbooks: {TTL: time.Minute}},
		ConnectionTimeout: 400 * time.Millisecond,
	}, mem, remote, nil)
	require.NoError(t, err)

	registry := sources.NewRegistry(sources.Config{MaxConcurrency: 8})
	require.NoError(t, registry.Register(models.SourceDescriptor{
		Name: "fast", Type: "fake", Priority: 1, Enabled: true, TimeoutMS: 1000,
	}, &fakeAdapter{name: "fast", results: []models.SearchResult{{ID: "rb-1", Title: "Disk", ConfidenceScore: 0.9}}}))

	orch := NewOrchestrator(Config{DefaultDeadline: deadline}, cm, registry, scoring.NewScorer(scoring.DefaultWeights()), nil)

	start := time.Now()
	resp, err := orch.Search(context.Background(), models.SearchQuery{Text: "disk"})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, deadline+80*time.Millisecond)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "rb-1", resp.Results[0].ID)
	assert.False(t, resp.Partial)
	assert.GreaterOrEqual(t, remote.calls.Load(), int32(1))

	// The memory tier was still written.
	start = time.Now()
	again, err := orch.Search(context.Background(), models.SearchQuery{Text: "disk"})
	require.NoError(t, err)
	assert.True(t, again.CacheHit)
	assert.Less(t, time.Since(start), deadline)
}

func TestSearchCacheHitSkipsAdapters(t *testing.T) {
	f := newFixture(t, time.Second)
	a := &fakeAdapter{name: "a", results: []models.SearchResult{{ID: "1", ConfidenceScore: 0.7}}}
	f.register(t, "a", 1, time.Second, a)

	q := models.SearchQuery{Text: "Disk  Full"}
	first, err := f.orch.Search(context.Background(), q)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := f.orch.Search(context.Background(), models.SearchQuery{Text: "disk full"})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, int32(1), a.calls.Load())

	assert.Equal(t, 1, f.cache.InvalidatePrefix(context.Background(), SearchPrefix(models.ContentTypeRunbooks)))
	_, err = f.orch.Search(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, int32(2), a.calls.Load())
}

func TestSearchAllFailedIsNotCached(t *testing.T) {
	f := newFixture(t, time.Second)
	a := &fakeAdapter{name: "a", err: errors.New("backend down")}
	f.register(t, "a", 1, time.Second, a)

	resp, err := f.orch.Search(context.Background(), models.SearchQuery{Text: "disk"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.NotNil(t, resp.Results)
	assert.True(t, resp.Partial)
	assert.Equal(t, models.OutcomeError, resp.Outcomes[0].Status)

	_, err = f.orch.Search(context.Background(), models.SearchQuery{Text: "disk"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), a.calls.Load())
}

func TestSearchNoSourcesReturnsEmpty(t *testing.T) {
	f := newFixture(t, time.Second)

	resp, err := f.orch.Search(context.Background(), models.SearchQuery{Text: "disk"})
	require.NoError(t, err)
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
	assert.False(t, resp.Partial)
}

func TestSearchRetriesWithinBudget(t *testing.T) {
	f := newFixture(t, time.Second)
	a := &fakeAdapter{name: "a", failures: 2, results: []models.SearchResult{{ID: "1", ConfidenceScore: 0.9}}}
	require.NoError(t, f.registry.Register(models.SourceDescriptor{
		Name: "a", Type: "fake", Priority: 1, Enabled: true, TimeoutMS: 500, RetryBudget: 2,
	}, a))

	resp, err := f.orch.Search(context.Background(), models.SearchQuery{Text: "disk"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, int32(3), a.calls.Load())
}

func TestSearchValidation(t *testing.T) {
	f := newFixture(t, time.Second)
	a := &fakeAdapter{name: "a"}
	f.register(t, "a", 1, time.Second, a)

	tests := []struct {
		name  string
		query models.SearchQuery
	}{
		{"empty", models.SearchQuery{}},
		{"unknown content type", models.SearchQuery{Text: "x", ContentType: "videos"}},
		{"bad severity", models.SearchQuery{Text: "x", Filters: models.SearchFilters{Severity: "apocalyptic"}}},
		{"threshold out of range", models.SearchQuery{Text: "x", Filters: models.SearchFilters{ConfidenceThreshold: threshold(1.5)}}},
		{"conflicting thresholds", models.SearchQuery{Text: "x", Filters: models.SearchFilters{ConfidenceThreshold: threshold(0.5), MinConfidence: threshold(0.6)}}},
		{"limit too large", models.SearchQuery{Text: "x", Filters: models.SearchFilters{Limit: 500}}},
		{"negative limit", models.SearchQuery{Text: "x", Filters: models.SearchFilters{Limit: -1}}},
		{"negative deadline", models.SearchQuery{Text: "x", Deadline: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Search(context.Background(), tt.query)
			require.Error(t, err)
			assert.True(t, models.IsValidationError(err), "got %v", err)
		})
	}
	assert.Zero(t, a.calls.Load())

	_, err := f.orch.Search(context.Background(), models.SearchQuery{Text: "x", Filters: models.SearchFilters{
		ConfidenceThreshold: threshold(0.5), MinConfidence: threshold(0.5),
	}})
	assert.NoError(t, err)
}

func TestSearchFiltersBySourceTypeAndSeverity(t *testing.T) {
	f := newFixture(t, time.Second)
	f.register(t, "a", 1, time.Second, &fakeAdapter{name: "a", results: []models.SearchResult{
		{ID: "1", ConfidenceScore: 0.9, Severity: "critical"},
		{ID: "2", ConfidenceScore: 0.9, Severity: "low"},
		{ID: "3", ConfidenceScore: 0.9},
	}})
	require.NoError(t, f.registry.Register(models.SourceDescriptor{
		Name: "wiki", Type: "wiki", Priority: 2, Enabled: true, TimeoutMS: 100,
	}, &fakeAdapter{name: "wiki", results: []models.SearchResult{{ID: "w", ConfidenceScore: 0.9}}}))

	resp, err := f.orch.Search(context.Background(), models.SearchQuery{
		Text:    "disk",
		Filters: models.SearchFilters{Severity: "Critical", SourceTypes: []string{"fake"}},
	})
	require.NoError(t, err)

	var ids []string
	for _, r := range resp.Results {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"1", "3"}, ids)
	assert.Len(t, resp.Outcomes, 1)
}

func TestSearchRecordsHistory(t *testing.T) {
	f := newFixture(t, time.Second)
	f.register(t, "a", 1, time.Second, &fakeAdapter{name: "a", results: []models.SearchResult{{ID: "1", ConfidenceScore: 0.7}}})

	_, err := f.orch.Search(context.Background(), models.SearchQuery{Text: "disk"})
	require.NoError(t, err)
	_, err = f.orch.Search(context.Background(), models.SearchQuery{Text: "disk"})
	require.NoError(t, err)

	require.Len(t, f.history.records, 2)
	assert.False(t, f.history.records[0].CacheHit)
	assert.Len(t, f.history.records[0].Sources, 1)
	assert.InDelta(t, 0.7, f.history.records[0].TopScore, 1e-9)
	assert.True(t, f.history.records[1].CacheHit)
}

func TestSearchReportsOutcomesToRegistry(t *testing.T) {
	mem, err := memory.New(10, memory.EvictLRU, nil)
	require.NoError(t, err)
	cm, err := cache.NewManager(cache.Config{Mode: cache.ModeMemoryOnly}, mem, nil, nil)
	require.NoError(t, err)

	registry := sources.NewRegistry(sources.Config{MinSamples: 2, ErrorRateThreshold: 0.5})
	orch := NewOrchestrator(Config{DefaultDeadline: time.Second}, cm, registry, scoring.NewScorer(scoring.DefaultWeights()), nil)
	require.NoError(t, registry.Register(models.SourceDescriptor{
		Name: "flaky", Type: "fake", Priority: 1, Enabled: true, TimeoutMS: 100,
	}, &fakeAdapter{name: "flaky", err: errors.New("boom")}))

	for i := 0; i < 2; i++ {
		_, err := orch.Search(context.Background(), models.SearchQuery{Text: "disk"})
		require.NoError(t, err)
	}

	h, ok := registry.Health("flaky")
	require.True(t, ok)
	assert.Equal(t, models.HealthDegraded, h)
}

func TestGetRunbook(t *testing.T) {
	f := newFixture(t, time.Second)
	empty := providerAdapter{&fakeAdapter{name: "empty", runbooks: map[string]*models.Runbook{}}}
	full := providerAdapter{&fakeAdapter{name: "full", runbooks: map[string]*models.Runbook{
		"rb-disk": {ID: "rb-disk", Title: "Disk space"},
	}}}
	f.register(t, "plain", 0, time.Second, &fakeAdapter{name: "plain"})
	f.register(t, "empty", 1, time.Second, empty)
	f.register(t, "full", 2, time.Second, full)

	rb, err := f.orch.GetRunbook(context.Background(), "rb-disk")
	require.NoError(t, err)
	assert.Equal(t, "Disk space", rb.Title)

	rb, err = f.orch.GetRunbook(context.Background(), "rb-disk")
	require.NoError(t, err)
	assert.Equal(t, "rb-disk", rb.ID)
	assert.Equal(t, int32(1), full.calls.Load())

	_, err = f.orch.GetRunbook(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrRunbookNotFound)

	_, err = f.orch.GetRunbook(context.Background(), " ")
	assert.True(t, models.IsValidationError(err))
}

func TestWarmPopulatesCache(t *testing.T) {
	f := newFixture(t, time.Second)
	a := &fakeAdapter{name: "a", results: []models.SearchResult{{ID: "1", ConfidenceScore: 0.7}}}
	f.register(t, "a", 1, time.Second, a)

	require.NoError(t, f.orch.Warm(models.ContentTypeProcedures)(context.Background(), "restart service"))

	resp, err := f.orch.Search(context.Background(), models.SearchQuery{Text: "restart service", ContentType: models.ContentTypeProcedures})
	require.NoError(t, err)
	assert.True(t, resp.CacheHit)
	assert.Equal(t, int32(1), a.calls.Load())
}

func TestFingerprintCanonicalization(t *testing.T) {
	a := models.SearchQuery{Text: "Disk   FULL", ContentType: "runbooks", Filters: models.SearchFilters{SourceTypes: []string{"wiki", "filesystem"}}}
	b := models.SearchQuery{Text: "disk full", ContentType: "runbooks", Filters: models.SearchFilters{SourceTypes: []string{"filesystem", "wiki"}}}
	c := models.SearchQuery{Text: "disk full", ContentType: "procedures"}

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(b), Fingerprint(c))
	assert.Len(t, Fingerprint(a), 64)
}
