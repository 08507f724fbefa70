package decision

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/runbook-agent/backend/internal/metrics"
	"github.com/runbook-agent/backend/internal/models"
)

const (
	DefaultNeutralConfidence = 0.5

	// DefaultConditionCacheSize bounds the parsed conditions kept between
	// evaluations. Inline trees come from clients, so the cache must not grow
	// with them.
	DefaultConditionCacheSize = 1024
)

type Config struct {
	// NeutralConfidence is reported when no branch matches and the default
	// action is returned.
	NeutralConfidence  float64
	ConditionCacheSize int
	Logger             *zap.Logger
}

// Evaluator walks decision trees. It is safe for concurrent use and keeps
// the most recently used parsed conditions keyed by their source text.
type Evaluator struct {
	neutral    float64
	logger     *zap.Logger
	conditions *lru.Cache[string, *Condition]
}

func NewEvaluator(cfg Config) *Evaluator {
	if cfg.NeutralConfidence <= 0 || cfg.NeutralConfidence > 1 {
		cfg.NeutralConfidence = DefaultNeutralConfidence
	}
	if cfg.ConditionCacheSize <= 0 {
		cfg.ConditionCacheSize = DefaultConditionCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	// lru.New only fails for a non-positive size.
	conditions, _ := lru.New[string, *Condition](cfg.ConditionCacheSize)
	return &Evaluator{
		neutral:    cfg.NeutralConfidence,
		logger:     cfg.Logger,
		conditions: conditions,
	}
}

func (e *Evaluator) NeutralConfidence() float64 {
	return e.neutral
}

func (e *Evaluator) condition(src string) (*Condition, error) {
	if c, ok := e.conditions.Get(src); ok {
		return c, nil
	}
	c, err := ParseCondition(src)
	if err != nil {
		return nil, err
	}
	e.conditions.Add(src, c)
	return c, nil
}

// Validate checks the tree's structure without evaluating it. A next_step
// cycle anywhere in the tree is a *models.DecisionTreeCycleError, whether or
// not any branch on it could ever match.
func (e *Evaluator) Validate(tree *models.DecisionTree) error {
	if tree == nil {
		return models.NewValidationError("decision_tree", "tree is required")
	}
	if tree.DefaultAction == "" {
		return models.NewValidationError("default_action", "default action is required")
	}

	ids := make(map[string]bool, len(tree.Branches))
	for i, b := range tree.Branches {
		if b.ID == "" {
			return models.NewValidationError(fmt.Sprintf("branches[%d].id", i), "branch id is required")
		}
		if ids[b.ID] {
			return models.NewValidationError(fmt.Sprintf("branches[%d].id", i), fmt.Sprintf("duplicate branch id %q", b.ID))
		}
		ids[b.ID] = true

		if b.Action == "" {
			return models.NewValidationError(fmt.Sprintf("branches[%d].action", i), "action is required")
		}
		if b.Confidence < 0 || b.Confidence > 1 {
			return models.NewValidationError(fmt.Sprintf("branches[%d].confidence", i), "confidence must be within [0,1]")
		}
		if b.Confidence == e.neutral {
			return models.NewValidationError(fmt.Sprintf("branches[%d].confidence", i),
				fmt.Sprintf("confidence %g is reserved for the default action", e.neutral))
		}
		if b.Condition == "" {
			return models.NewValidationError(fmt.Sprintf("branches[%d].condition", i), "condition is required")
		}
		if _, err := e.condition(b.Condition); err != nil {
			return models.NewValidationError(fmt.Sprintf("branches[%d].condition", i), err.Error())
		}
	}

	for i, b := range tree.Branches {
		if b.NextStep != "" && !ids[b.NextStep] {
			return models.NewValidationError(fmt.Sprintf("branches[%d].next_step", i), fmt.Sprintf("unknown branch %q", b.NextStep))
		}
		if b.RollbackStep != "" && !ids[b.RollbackStep] {
			return models.NewValidationError(fmt.Sprintf("branches[%d].rollback_step", i), fmt.Sprintf("unknown branch %q", b.RollbackStep))
		}
	}

	return findCycle(tree)
}

// findCycle walks next_step from every branch in declared order. Each branch
// has at most one next_step, so a walk either ends or revisits a branch.
func findCycle(tree *models.DecisionTree) error {
	next := make(map[string]string, len(tree.Branches))
	for _, b := range tree.Branches {
		next[b.ID] = b.NextStep
	}

	// Branches whose walk is known to terminate.
	terminates := make(map[string]bool, len(tree.Branches))
	for _, b := range tree.Branches {
		onPath := make(map[string]bool)
		var path []string
		for id := b.ID; id != "" && !terminates[id]; id = next[id] {
			if onPath[id] {
				return &models.DecisionTreeCycleError{TreeID: tree.ID, BranchID: id, Path: path}
			}
			onPath[id] = true
			path = append(path, id)
		}
		for _, id := range path {
			terminates[id] = true
		}
	}
	return nil
}

// Evaluate picks the first branch, in declared order, whose condition holds
// for vars. The decision carries that branch's action, confidence, next_step
// and rollback_step; next_step links are then followed and every step reached
// is listed in Path.
func (e *Evaluator) Evaluate(tree *models.DecisionTree, vars map[string]any) (*models.Decision, error) {
	if err := e.Validate(tree); err != nil {
		if models.IsCycleError(err) {
			metrics.DecisionEvaluations.WithLabelValues("cycle").Inc()
			e.logger.Warn("Decision tree cycle detected", zap.String("tree_id", tree.ID), zap.Error(err))
		} else {
			metrics.DecisionEvaluations.WithLabelValues("invalid").Inc()
		}
		return nil, err
	}
	if vars == nil {
		vars = map[string]any{}
	}

	var matched *models.Branch
	for i := range tree.Branches {
		c, _ := e.condition(tree.Branches[i].Condition)
		if c.Match(vars) {
			matched = &tree.Branches[i]
			break
		}
	}

	if matched == nil {
		metrics.DecisionEvaluations.WithLabelValues("default").Inc()
		return &models.Decision{
			TreeID:     tree.ID,
			Action:     tree.DefaultAction,
			Confidence: e.neutral,
			Default:    true,
		}, nil
	}

	byID := make(map[string]*models.Branch, len(tree.Branches))
	for i := range tree.Branches {
		byID[tree.Branches[i].ID] = &tree.Branches[i]
	}

	var path []models.DecisionStep
	for current := matched; current != nil; current = byID[current.NextStep] {
		path = append(path, models.DecisionStep{
			BranchID:     current.ID,
			Action:       current.Action,
			Confidence:   current.Confidence,
			RollbackStep: current.RollbackStep,
		})
	}

	metrics.DecisionEvaluations.WithLabelValues("matched").Inc()
	return &models.Decision{
		TreeID:       tree.ID,
		BranchID:     matched.ID,
		Action:       matched.Action,
		Confidence:   matched.Confidence,
		NextStep:     matched.NextStep,
		RollbackStep: matched.RollbackStep,
		Path:         path,
	}, nil
}
