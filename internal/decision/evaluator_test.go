package decision

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbook-agent/backend/internal/models"
)

func diskTree() *models.DecisionTree {
	return &models.DecisionTree{
		ID:            "disk-space",
		DefaultAction: "escalate_to_oncall",
		Branches: []models.Branch{
			{ID: "cleanup", Condition: `usage > 95 && severity == "critical"`, Action: "purge_tmp", Confidence: 0.9, NextStep: "verify", RollbackStep: "restore"},
			{ID: "expand", Condition: `usage > 85`, Action: "expand_volume", Confidence: 0.7},
			{ID: "verify", Condition: `true`, Action: "check_usage", Confidence: 0.8},
			{ID: "restore", Condition: `false`, Action: "restore_snapshot", Confidence: 0.6},
		},
	}
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	e := NewEvaluator(Config{})

	d, err := e.Evaluate(diskTree(), map[string]any{"usage": 90, "severity": "critical"})
	require.NoError(t, err)
	assert.Equal(t, "expand", d.BranchID)
	assert.Equal(t, "expand_volume", d.Action)
	assert.Equal(t, 0.7, d.Confidence)
	assert.False(t, d.Default)
	require.Len(t, d.Path, 1)
}

func TestEvaluateFollowsNextStep(t *testing.T) {
	e := NewEvaluator(Config{})

	d, err := e.Evaluate(diskTree(), map[string]any{"usage": 97, "severity": "critical"})
	require.NoError(t, err)
	assert.Equal(t, "cleanup", d.BranchID)
	assert.Equal(t, "purge_tmp", d.Action)
	assert.Equal(t, 0.9, d.Confidence)
	assert.Equal(t, "verify", d.NextStep)
	assert.Equal(t, "restore", d.RollbackStep)

	require.Len(t, d.Path, 2)
	assert.Equal(t, "cleanup", d.Path[0].BranchID)
	assert.Equal(t, "verify", d.Path[1].BranchID)
	assert.Equal(t, "check_usage", d.Path[1].Action)
}

func TestEvaluateNoMatchReturnsDefault(t *testing.T) {
	e := NewEvaluator(Config{})
	tree := diskTree()
	tree.Branches = tree.Branches[:2]

	d, err := e.Evaluate(tree, map[string]any{"usage": 10})
	require.NoError(t, err)
	assert.True(t, d.Default)
	assert.Equal(t, "escalate_to_oncall", d.Action)
	assert.Equal(t, DefaultNeutralConfidence, d.Confidence)
	assert.Empty(t, d.BranchID)

	custom := NewEvaluator(Config{NeutralConfidence: 0.3})
	d, err = custom.Evaluate(tree, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.3, d.Confidence)

	for _, b := range tree.Branches {
		assert.NotEqual(t, d.Confidence, b.Confidence)
	}
}

func TestEvaluateDetectsCycle(t *testing.T) {
	e := NewEvaluator(Config{})
	tree := &models.DecisionTree{
		ID:            "loop",
		DefaultAction: "noop",
		Branches: []models.Branch{
			{ID: "A", Condition: "true", Action: "a", Confidence: 0.6, NextStep: "B"},
			{ID: "B", Condition: "false", Action: "b", Confidence: 0.4, NextStep: "A"},
		},
	}

	_, err := e.Evaluate(tree, nil)
	require.Error(t, err)
	assert.True(t, models.IsCycleError(err))

	var cycle *models.DecisionTreeCycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, "loop", cycle.TreeID)
	assert.Equal(t, "A", cycle.BranchID)
	assert.Equal(t, []string{"A", "B"}, cycle.Path)
}

func TestEvaluateSelfLoop(t *testing.T) {
	e := NewEvaluator(Config{})
	tree := &models.DecisionTree{
		ID:            "self",
		DefaultAction: "noop",
		Branches:      []models.Branch{{ID: "A", Condition: "true", Action: "a", Confidence: 0.6, NextStep: "A"}},
	}

	_, err := e.Evaluate(tree, nil)
	assert.True(t, models.IsCycleError(err))
}

func TestEvaluateCycleWithoutMatchingBranch(t *testing.T) {
	e := NewEvaluator(Config{})
	tree := &models.DecisionTree{
		ID:            "loop",
		DefaultAction: "noop",
		Branches: []models.Branch{
			{ID: "A", Condition: "false", Action: "a", Confidence: 0.6, NextStep: "B"},
			{ID: "B", Condition: "false", Action: "b", Confidence: 0.4, NextStep: "A"},
		},
	}

	d, err := e.Evaluate(tree, nil)
	assert.Nil(t, d)
	var cycle *models.DecisionTreeCycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, "A", cycle.BranchID)
	assert.Equal(t, []string{"A", "B"}, cycle.Path)

	assert.True(t, models.IsCycleError(e.Validate(tree)))
}

func TestValidateFindsCycleBehindEarlierBranches(t *testing.T) {
	e := NewEvaluator(Config{})
	tree := &models.DecisionTree{
		ID:            "tail-loop",
		DefaultAction: "noop",
		Branches: []models.Branch{
			{ID: "start", Condition: "true", Action: "s", Confidence: 0.9, NextStep: "end"},
			{ID: "end", Condition: "true", Action: "e", Confidence: 0.8},
			{ID: "B", Condition: "false", Action: "b", Confidence: 0.7, NextStep: "C"},
			{ID: "C", Condition: "false", Action: "c", Confidence: 0.6, NextStep: "B"},
		},
	}

	var cycle *models.DecisionTreeCycleError
	require.ErrorAs(t, e.Validate(tree), &cycle)
	assert.Equal(t, "B", cycle.BranchID)
	assert.Equal(t, []string{"B", "C"}, cycle.Path)

	// Chains that merge are not cycles.
	tree.Branches[2].NextStep = "end"
	tree.Branches[3].NextStep = "end"
	assert.NoError(t, e.Validate(tree))
}

func TestConditionCacheIsBounded(t *testing.T) {
	e := NewEvaluator(Config{ConditionCacheSize: 8})

	for i := 0; i < 100; i++ {
		tree := &models.DecisionTree{
			ID:            "inline",
			DefaultAction: "noop",
			Branches: []models.Branch{
				{ID: "a", Condition: fmt.Sprintf("usage > %d", i), Action: "a", Confidence: 0.9},
			},
		}
		_, err := e.Evaluate(tree, map[string]any{"usage": 50})
		require.NoError(t, err)
	}

	assert.Equal(t, 8, e.conditions.Len())

	d, err := e.Evaluate(diskTree(), map[string]any{"usage": 90})
	require.NoError(t, err)
	assert.Equal(t, "expand", d.BranchID)
}

func TestValidate(t *testing.T) {
	e := NewEvaluator(Config{})

	tests := []struct {
		name   string
		mutate func(*models.DecisionTree)
	}{
		{"missing default", func(tr *models.DecisionTree) { tr.DefaultAction = "" }},
		{"duplicate id", func(tr *models.DecisionTree) { tr.Branches[1].ID = "cleanup" }},
		{"empty id", func(tr *models.DecisionTree) { tr.Branches[0].ID = "" }},
		{"missing action", func(tr *models.DecisionTree) { tr.Branches[0].Action = "" }},
		{"confidence above one", func(tr *models.DecisionTree) { tr.Branches[0].Confidence = 1.5 }},
		{"negative confidence", func(tr *models.DecisionTree) { tr.Branches[0].Confidence = -0.1 }},
		{"neutral confidence", func(tr *models.DecisionTree) { tr.Branches[0].Confidence = DefaultNeutralConfidence }},
		{"empty condition", func(tr *models.DecisionTree) { tr.Branches[0].Condition = "" }},
		{"bad condition", func(tr *models.DecisionTree) { tr.Branches[0].Condition = "usage >" }},
		{"unknown next step", func(tr *models.DecisionTree) { tr.Branches[0].NextStep = "nowhere" }},
		{"unknown rollback", func(tr *models.DecisionTree) { tr.Branches[0].RollbackStep = "nowhere" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := diskTree()
			tt.mutate(tree)
			_, err := e.Evaluate(tree, nil)
			assert.True(t, models.IsValidationError(err), "got %v", err)
		})
	}

	assert.True(t, models.IsValidationError(e.Validate(nil)))
	assert.NoError(t, e.Validate(diskTree()))
}

func TestEvaluateConcurrentUse(t *testing.T) {
	e := NewEvaluator(Config{})
	tree := diskTree()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(usage int) {
			defer wg.Done()
			d, err := e.Evaluate(tree, map[string]any{"usage": usage, "severity": "critical"})
			assert.NoError(t, err)
			assert.NotEmpty(t, d.Action)
		}(80 + i)
	}
	wg.Wait()
}
