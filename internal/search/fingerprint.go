package search

import (
	"sort"
	"strconv"
	"strings"

	"github.com/runbook-agent/backend/internal/models"
	"github.com/runbook-agent/backend/pkg/utils"
)

// Fingerprint identifies a query by its normalized text, canonical filters and
// content type. Queries that differ only in case, spacing or source type order
// share a fingerprint.
func Fingerprint(q models.SearchQuery) string {
	types := make([]string, len(q.Filters.SourceTypes))
	for i, t := range q.Filters.SourceTypes {
		types[i] = strings.ToLower(strings.TrimSpace(t))
	}
	sort.Strings(types)

	threshold, _ := q.Filters.Threshold()

	return utils.Fingerprint(
		utils.NormalizeText(q.Text),
		string(q.ContentType),
		"severity="+strings.ToLower(q.Filters.Severity),
		"category="+strings.ToLower(q.Filters.Category),
		"alert_type="+strings.ToLower(q.Filters.AlertType),
		"source_types="+strings.Join(types, ","),
		"threshold="+strconv.FormatFloat(threshold, 'f', -1, 64),
		"limit="+strconv.Itoa(q.Filters.Limit),
		"max_age_days="+strconv.Itoa(q.Filters.MaxAgeDays),
	)
}

// SearchPrefix is the key prefix shared by all cached searches of a content
// type, used for bulk invalidation.
func SearchPrefix(ct models.ContentType) string {
	return "search:" + string(ct) + ":"
}

func CacheKey(ct models.ContentType, fingerprint string) string {
	return SearchPrefix(ct) + fingerprint
}

func RunbookKey(id string) string {
	return "runbook:" + id
}
