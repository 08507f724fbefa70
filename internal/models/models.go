package models

import (
	"time"
)

type ContentType string

const (
	ContentTypeRunbooks      ContentType = "runbooks"
	ContentTypeProcedures    ContentType = "procedures"
	ContentTypeDecisionTrees ContentType = "decision_trees"
	ContentTypeKnowledgeBase ContentType = "knowledge_base"
)

var KnownContentTypes = []ContentType{
	ContentTypeRunbooks,
	ContentTypeProcedures,
	ContentTypeDecisionTrees,
	ContentTypeKnowledgeBase,
}

func (c ContentType) Valid() bool {
	for _, known := range KnownContentTypes {
		if c == known {
			return true
		}
	}
	return false
}

type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthOffline  HealthState = "offline"
)

// Demote moves one level towards offline.
func (h HealthState) Demote() HealthState {
	switch h {
	case HealthHealthy:
		return HealthDegraded
	default:
		return HealthOffline
	}
}

// Promote moves one level towards healthy. Offline never jumps straight to
// healthy.
func (h HealthState) Promote() HealthState {
	switch h {
	case HealthOffline:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// Level is used for the health gauge: 2 healthy, 1 degraded, 0 offline.
func (h HealthState) Level() int {
	switch h {
	case HealthHealthy:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}

type SourceDescriptor struct {
	Name        string            `json:"name" mapstructure:"name"`
	Type        string            `json:"type" mapstructure:"type"`
	Priority    int               `json:"priority" mapstructure:"priority"`
	Enabled     bool              `json:"enabled" mapstructure:"enabled"`
	TimeoutMS   int               `json:"timeout_ms" mapstructure:"timeoutMs"`
	RetryBudget int               `json:"retry_budget" mapstructure:"retryBudget"`
	Settings    map[string]string `json:"settings,omitempty" mapstructure:"settings"`
}

func (d SourceDescriptor) Timeout() time.Duration {
	return time.Duration(d.TimeoutMS) * time.Millisecond
}

type HealthReport struct {
	Healthy        bool   `json:"healthy"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

type AdapterMetadata struct {
	Name              string   `json:"name"`
	Type              string   `json:"type"`
	SupportedFeatures []string `json:"supported_features"`
}

type SearchFilters struct {
	Severity            string   `json:"severity,omitempty" yaml:"severity" validate:"omitempty,oneof=critical high warning medium low info"`
	Category            string   `json:"category,omitempty" yaml:"category" validate:"omitempty,max=128"`
	AlertType           string   `json:"alert_type,omitempty" yaml:"alert_type" validate:"omitempty,max=128"`
	SourceTypes         []string `json:"source_types,omitempty" yaml:"source_types" validate:"omitempty,max=16,dive,required"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty" yaml:"confidence_threshold" validate:"omitempty,gte=0,lte=1"`
	MinConfidence       *float64 `json:"min_confidence,omitempty" yaml:"min_confidence" validate:"omitempty,gte=0,lte=1"`
	Limit               int      `json:"limit,omitempty" yaml:"limit" validate:"gte=0"`
	MaxAgeDays          int      `json:"max_age_days,omitempty" yaml:"max_age_days" validate:"gte=0"`
}

// Threshold resolves the two synonymous threshold fields. ok is false when
// both are set to different values.
func (f SearchFilters) Threshold() (threshold float64, ok bool) {
	switch {
	case f.ConfidenceThreshold != nil && f.MinConfidence != nil:
		if *f.ConfidenceThreshold != *f.MinConfidence {
			return 0, false
		}
		return *f.ConfidenceThreshold, true
	case f.ConfidenceThreshold != nil:
		return *f.ConfidenceThreshold, true
	case f.MinConfidence != nil:
		return *f.MinConfidence, true
	default:
		return 0, true
	}
}

type SearchQuery struct {
	Text        string        `json:"query" validate:"max=2000"`
	ContentType ContentType   `json:"content_type,omitempty"`
	Filters     SearchFilters `json:"filters"`
	// Deadline bounds the whole search; zero uses the orchestrator default.
	Deadline time.Duration `json:"-"`
}

type SearchResult struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Content         string            `json:"content"`
	URL             string            `json:"url,omitempty"`
	Source          string            `json:"source"`
	SourceType      string            `json:"source_type"`
	SourcePriority  int               `json:"source_priority"`
	ConfidenceScore float64           `json:"confidence_score"`
	MatchReasons    []string          `json:"match_reasons,omitempty"`
	RetrievalTimeMS int64             `json:"retrieval_time_ms"`
	Severity        string            `json:"severity,omitempty"`
	Category        string            `json:"category,omitempty"`
	UpdatedAt       *time.Time        `json:"updated_at,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type OutcomeStatus string

const (
	OutcomeOK      OutcomeStatus = "ok"
	OutcomeTimeout OutcomeStatus = "timeout"
	OutcomeError   OutcomeStatus = "error"
)

// SourceOutcome describes how one source fared during a fan-out.
type SourceOutcome struct {
	Source      string        `json:"source"`
	Status      OutcomeStatus `json:"status"`
	ResultCount int           `json:"result_count"`
	LatencyMS   int64         `json:"latency_ms"`
	Error       string        `json:"error,omitempty"`
}

type SearchResponse struct {
	ID          string          `json:"id"`
	Fingerprint string          `json:"fingerprint"`
	Results     []SearchResult  `json:"results"`
	CacheHit    bool            `json:"cache_hit"`
	Partial     bool            `json:"partial"`
	Outcomes    []SourceOutcome `json:"sources,omitempty"`
	TookMS      int64           `json:"took_ms"`
}

type Runbook struct {
	ID              string            `json:"id" yaml:"id"`
	Title           string            `json:"title" yaml:"title"`
	Description     string            `json:"description,omitempty" yaml:"description"`
	Category        string            `json:"category,omitempty" yaml:"category"`
	Severity        string            `json:"severity,omitempty" yaml:"severity"`
	AlertTypes      []string          `json:"alert_types,omitempty" yaml:"alert_types"`
	Tags            []string          `json:"tags,omitempty" yaml:"tags"`
	DecisionTree    *DecisionTree     `json:"decision_tree,omitempty" yaml:"decision_tree"`
	Procedures      []Procedure       `json:"procedures,omitempty" yaml:"procedures"`
	SeverityMapping map[string]string `json:"severity_mapping,omitempty" yaml:"severity_mapping"`
	Metadata        map[string]string `json:"metadata,omitempty" yaml:"metadata"`
	UpdatedAt       time.Time         `json:"updated_at,omitempty" yaml:"updated_at"`
}

type Procedure struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description"`
	Steps       []ProcedureStep `json:"steps" yaml:"steps"`
}

type ProcedureStep struct {
	Order    int    `json:"order" yaml:"order"`
	Action   string `json:"action" yaml:"action"`
	Command  string `json:"command,omitempty" yaml:"command"`
	Expected string `json:"expected,omitempty" yaml:"expected"`
	Optional bool   `json:"optional,omitempty" yaml:"optional"`
}

type DecisionTree struct {
	ID            string   `json:"id" yaml:"id"`
	Name          string   `json:"name,omitempty" yaml:"name"`
	Branches      []Branch `json:"branches" yaml:"branches"`
	DefaultAction string   `json:"default_action" yaml:"default_action"`
}

type Branch struct {
	ID           string  `json:"id" yaml:"id"`
	Condition    string  `json:"condition" yaml:"condition"`
	Action       string  `json:"action" yaml:"action"`
	Description  string  `json:"description,omitempty" yaml:"description"`
	Confidence   float64 `json:"confidence" yaml:"confidence"`
	NextStep     string  `json:"next_step,omitempty" yaml:"next_step"`
	RollbackStep string  `json:"rollback_step,omitempty" yaml:"rollback_step"`
}

// Decision is the outcome of evaluating a decision tree against a context.
type Decision struct {
	TreeID       string         `json:"tree_id"`
	BranchID     string         `json:"branch_id,omitempty"`
	Action       string         `json:"action"`
	Confidence   float64        `json:"confidence"`
	NextStep     string         `json:"next_step,omitempty"`
	RollbackStep string         `json:"rollback_step,omitempty"`
	Default      bool           `json:"default"`
	Path         []DecisionStep `json:"path,omitempty"`
}

type DecisionStep struct {
	BranchID     string  `json:"branch_id"`
	Action       string  `json:"action"`
	Confidence   float64 `json:"confidence"`
	RollbackStep string  `json:"rollback_step,omitempty"`
}
