package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/runbook-agent/backend/internal/models"
)

type Weights struct {
	// PriorityDecay shrinks strength derived from match reasons for
	// lower-priority sources: priority p is scaled by 1/(1+PriorityDecay*(p-1)).
	// Adapter-supplied confidence is never rescaled; priority only breaks ties.
	PriorityDecay float64
	// FreshnessWeight is the largest penalty for age when max_age_days is
	// set; a result at or beyond the maximum age is scaled by 1-FreshnessWeight.
	FreshnessWeight float64
}

func DefaultWeights() Weights {
	return Weights{
		PriorityDecay:   0.02,
		FreshnessWeight: 0.5,
	}
}

type Options struct {
	Threshold  float64
	Limit      int
	MaxAgeDays int
	Now        time.Time
}

type Scorer struct {
	weights Weights
}

func NewScorer(w Weights) *Scorer {
	if w.PriorityDecay < 0 {
		w.PriorityDecay = 0
	}
	if w.FreshnessWeight < 0 {
		w.FreshnessWeight = 0
	}
	if w.FreshnessWeight > 1 {
		w.FreshnessWeight = 1
	}
	return &Scorer{weights: w}
}

type ranked struct {
	result models.SearchResult
	index  int
}

// Rank scores, filters, dedupes and orders raw adapter results. It does not
// modify the input slice and returns the same output for the same input.
func (s *Scorer) Rank(raw []models.SearchResult, opts Options) []models.SearchResult {
	if len(raw) == 0 {
		return []models.SearchResult{}
	}

	best := make(map[string]int, len(raw))
	kept := make([]ranked, 0, len(raw))
	for i, r := range raw {
		r.ConfidenceScore = s.Score(r, opts)
		if r.ConfidenceScore < opts.Threshold {
			continue
		}

		key := r.Source + "\x00" + r.ID
		if j, ok := best[key]; ok {
			if less(ranked{r, i}, kept[j]) {
				kept[j] = ranked{r, i}
			}
			continue
		}
		best[key] = len(kept)
		kept = append(kept, ranked{r, i})
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return less(kept[i], kept[j])
	})

	if opts.Limit > 0 && len(kept) > opts.Limit {
		kept = kept[:opts.Limit]
	}

	out := make([]models.SearchResult, len(kept))
	for i, k := range kept {
		out[i] = k.result
	}
	return out
}

func less(a, b ranked) bool {
	if a.result.ConfidenceScore != b.result.ConfidenceScore {
		return a.result.ConfidenceScore > b.result.ConfidenceScore
	}
	if a.result.SourcePriority != b.result.SourcePriority {
		return a.result.SourcePriority < b.result.SourcePriority
	}
	if a.result.RetrievalTimeMS != b.result.RetrievalTimeMS {
		return a.result.RetrievalTimeMS < b.result.RetrievalTimeMS
	}
	return a.index < b.index
}

// Score computes the final confidence of one result in [0,1]. It depends only
// on r and opts, never on which other results are being ranked.
func (s *Scorer) Score(r models.SearchResult, opts Options) float64 {
	strength := Strength(r)
	if r.ConfidenceScore <= 0 {
		strength *= s.priorityFactor(r.SourcePriority)
	}
	return clamp01(strength * s.freshnessFactor(r.UpdatedAt, opts))
}

// Strength is the adapter's confidence, or one derived from the number of
// match reasons when the adapter supplied none.
func Strength(r models.SearchResult) float64 {
	if r.ConfidenceScore > 0 {
		return clamp01(r.ConfidenceScore)
	}
	if len(r.MatchReasons) == 0 {
		return 0
	}
	return 1 - math.Pow(0.5, float64(len(r.MatchReasons)))
}

func (s *Scorer) priorityFactor(priority int) float64 {
	if priority <= 1 {
		return 1
	}
	return 1 / (1 + s.weights.PriorityDecay*float64(priority-1))
}

func (s *Scorer) freshnessFactor(updatedAt *time.Time, opts Options) float64 {
	if opts.MaxAgeDays <= 0 || updatedAt == nil || updatedAt.IsZero() {
		return 1
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	age := now.Sub(*updatedAt)
	if age <= 0 {
		return 1
	}

	maxAge := time.Duration(opts.MaxAgeDays) * 24 * time.Hour
	ratio := math.Min(1, float64(age)/float64(maxAge))
	return 1 - s.weights.FreshnessWeight*ratio
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
