package search

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/runbook-agent/backend/internal/models"
)

var queryValidate *validator.Validate

func init() {
	queryValidate = validator.New()
	queryValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// normalize fills defaults and rejects malformed queries before any I/O.
func (o *Orchestrator) normalize(q models.SearchQuery) (models.SearchQuery, error) {
	q.Text = strings.TrimSpace(q.Text)
	q.Filters.Severity = strings.ToLower(strings.TrimSpace(q.Filters.Severity))
	q.Filters.Category = strings.TrimSpace(q.Filters.Category)
	q.Filters.AlertType = strings.TrimSpace(q.Filters.AlertType)

	if q.ContentType == "" {
		q.ContentType = models.ContentTypeRunbooks
	}
	if !q.ContentType.Valid() {
		return q, models.NewValidationError("content_type", fmt.Sprintf("unknown content type %q", q.ContentType))
	}

	if err := queryValidate.Struct(q); err != nil {
		return q, translate(err)
	}

	if q.Text == "" && q.Filters.AlertType == "" && q.Filters.Category == "" {
		return q, models.NewValidationError("query", "query text, alert_type or category is required")
	}
	if _, ok := q.Filters.Threshold(); !ok {
		return q, models.NewValidationError("filters.confidence_threshold", "conflicts with min_confidence")
	}
	if q.Filters.Limit > o.cfg.MaxLimit {
		return q, models.NewValidationError("filters.limit", fmt.Sprintf("must not exceed %d", o.cfg.MaxLimit))
	}
	if q.Filters.Limit == 0 {
		q.Filters.Limit = o.cfg.DefaultLimit
	}
	if q.Deadline < 0 {
		return q, models.NewValidationError("deadline", "must not be negative")
	}
	return q, nil
}

func translate(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return models.NewValidationError("", err.Error())
	}

	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "SearchQuery.")
	reason := "failed " + fe.Tag()
	if fe.Param() != "" {
		reason += "=" + fe.Param()
	}
	return models.NewValidationError(field, reason)
}
