package models

import "time"

// RunbookRecord is a row of the runbooks table. Document holds the full
// runbook as JSON; the other columns exist for matching and filtering.
type RunbookRecord struct {
	ID          string
	Title       string
	Description string
	Category    string
	Severity    string
	AlertTypes  []string
	Tags        []string
	Document    []byte
	UpdatedAt   time.Time
}

type SearchRecord struct {
	ID          string
	QueryText   string
	ContentType string
	Fingerprint string
	ResultCount int
	TopScore    float64
	CacheHit    bool
	Partial     bool
	LatencyMS   int64
	CreatedAt   time.Time
	Sources     []SearchSourceRecord
}

type SearchSourceRecord struct {
	ID          int
	SearchID    string
	Source      string
	Status      string
	ResultCount int
	LatencyMS   int64
	Error       string
}
