package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbook-agent/backend/internal/models"
)

func result(source string, priority int, id string, confidence float64) models.SearchResult {
	return models.SearchResult{
		ID:              id,
		Title:           id,
		Source:          source,
		SourcePriority:  priority,
		ConfidenceScore: confidence,
	}
}

func TestRankScenario(t *testing.T) {
	s := NewScorer(DefaultWeights())
	raw := []models.SearchResult{
		result("source2", 2, "rb-disk-2", 0.85),
		result("source1", 1, "rb-disk-1", 0.9),
		result("source1", 1, "rb-disk-weak", 0.4),
	}

	got := s.Rank(raw, Options{Threshold: 0.5})

	require.Len(t, got, 2)
	assert.Equal(t, "source1", got[0].Source)
	assert.InDelta(t, 0.9, got[0].ConfidenceScore, 1e-9)
	assert.Equal(t, "source2", got[1].Source)
	assert.InDelta(t, 0.85, got[1].ConfidenceScore, 1e-9)
	assert.Less(t, got[1].ConfidenceScore, got[0].ConfidenceScore)
}

func TestScoreIndependentOfOtherSources(t *testing.T) {
	s := NewScorer(DefaultWeights())
	r := result("source2", 2, "rb-disk-2", 0.85)

	alone := s.Rank([]models.SearchResult{r}, Options{})
	withBetter := s.Rank([]models.SearchResult{r, result("source1", 1, "rb-disk-1", 0.9)}, Options{})

	require.Len(t, alone, 1)
	require.Len(t, withBetter, 2)
	assert.Equal(t, alone[0].ConfidenceScore, withBetter[1].ConfidenceScore)
}

func TestPriorityBreaksTies(t *testing.T) {
	s := NewScorer(DefaultWeights())
	got := s.Rank([]models.SearchResult{
		result("low", 3, "a", 0.8),
		result("high", 1, "b", 0.8),
	}, Options{})

	require.Len(t, got, 2)
	assert.Equal(t, "high", got[0].Source)
	assert.Equal(t, 0.8, got[1].ConfidenceScore)
}

func TestRankIsDeterministic(t *testing.T) {
	s := NewScorer(DefaultWeights())
	raw := []models.SearchResult{
		result("a", 1, "1", 0.7),
		result("b", 1, "2", 0.7),
		result("c", 2, "3", 0.9),
		result("a", 1, "4", 0.7),
	}
	raw[1].RetrievalTimeMS = 5
	raw[0].RetrievalTimeMS = 5
	raw[3].RetrievalTimeMS = 1

	first := s.Rank(raw, Options{})
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, s.Rank(raw, Options{}))
	}

	ids := make([]string, len(first))
	for i, r := range first {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"3", "4", "1", "2"}, ids)
}

func TestRankDoesNotMutateInput(t *testing.T) {
	s := NewScorer(DefaultWeights())
	raw := []models.SearchResult{result("b", 5, "x", 0.8), result("a", 1, "y", 0.6)}
	_ = s.Rank(raw, Options{})

	assert.Equal(t, 0.8, raw[0].ConfidenceScore)
	assert.Equal(t, "b", raw[0].Source)
}

func TestStrengthFromMatchReasons(t *testing.T) {
	assert.Equal(t, 0.0, Strength(models.SearchResult{}))
	assert.Equal(t, 0.5, Strength(models.SearchResult{MatchReasons: []string{"title"}}))
	assert.Equal(t, 0.75, Strength(models.SearchResult{MatchReasons: []string{"title", "tag"}}))
	assert.Equal(t, 1.0, Strength(models.SearchResult{ConfidenceScore: 3}))
}

func TestDedupeKeepsBestScore(t *testing.T) {
	s := NewScorer(DefaultWeights())
	raw := []models.SearchResult{
		result("a", 1, "same", 0.6),
		result("a", 1, "same", 0.8),
		result("b", 1, "same", 0.7),
	}

	got := s.Rank(raw, Options{})
	require.Len(t, got, 2)
	assert.Equal(t, 0.8, got[0].ConfidenceScore)
	assert.Equal(t, "a", got[0].Source)
	assert.Equal(t, "b", got[1].Source)
}

func TestLimitAppliedAfterSorting(t *testing.T) {
	s := NewScorer(DefaultWeights())
	raw := []models.SearchResult{
		result("a", 1, "low", 0.55),
		result("a", 1, "high", 0.95),
		result("a", 1, "mid", 0.75),
	}

	got := s.Rank(raw, Options{Limit: 2})
	require.Len(t, got, 2)
	assert.Equal(t, "high", got[0].ID)
	assert.Equal(t, "mid", got[1].ID)
}

func TestFreshness(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewScorer(Weights{FreshnessWeight: 0.5})

	fresh := result("a", 1, "fresh", 0.8)
	fresh.UpdatedAt = &now

	half := result("a", 1, "half", 0.8)
	halfAge := now.Add(-15 * 24 * time.Hour)
	half.UpdatedAt = &halfAge

	stale := result("a", 1, "stale", 0.8)
	old := now.Add(-365 * 24 * time.Hour)
	stale.UpdatedAt = &old

	unknown := result("a", 1, "unknown", 0.8)

	opts := Options{MaxAgeDays: 30, Now: now}
	assert.InDelta(t, 0.8, s.Score(fresh, opts), 1e-9)
	assert.InDelta(t, 0.6, s.Score(half, opts), 1e-9)
	assert.InDelta(t, 0.4, s.Score(stale, opts), 1e-9)
	assert.InDelta(t, 0.8, s.Score(unknown, opts), 1e-9)
	assert.InDelta(t, 0.8, s.Score(stale, Options{Now: now}), 1e-9)
}

func TestPriorityScalesDerivedStrengthOnly(t *testing.T) {
	s := NewScorer(Weights{PriorityDecay: 0.25})

	derived := models.SearchResult{ID: "x", SourcePriority: 3, MatchReasons: []string{"title", "tag"}}
	assert.InDelta(t, 0.5, s.Score(derived, Options{}), 1e-9)

	derived.SourcePriority = 1
	assert.InDelta(t, 0.75, s.Score(derived, Options{}), 1e-9)

	supplied := result("a", 3, "y", 0.66)
	assert.InDelta(t, 0.66, s.Score(supplied, Options{}), 1e-9)
}

func TestEmptyInput(t *testing.T) {
	s := NewScorer(DefaultWeights())
	got := s.Rank(nil, Options{Threshold: 0.5})
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestScoresStayInUnitInterval(t *testing.T) {
	s := NewScorer(Weights{PriorityDecay: -1, FreshnessWeight: 4})
	for _, c := range []float64{-1, 0, 0.3, 1, 7} {
		score := s.Score(result("a", 10, "x", c), Options{})
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 1.0)
	}
}
