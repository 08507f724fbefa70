package sources

import (
	"context"

	"github.com/runbook-agent/backend/internal/models"
)

// Adapter is a documentation backend. Search must honour ctx: once it is done
// the result is discarded anyway.
type Adapter interface {
	Search(ctx context.Context, query models.SearchQuery) ([]models.SearchResult, error)
	HealthCheck(ctx context.Context) models.HealthReport
	Metadata() models.AdapterMetadata
}

// RunbookProvider is implemented by adapters that can return a full runbook
// by id, not just search hits.
type RunbookProvider interface {
	GetRunbook(ctx context.Context, id string) (*models.Runbook, error)
}

// ConfigValidator is implemented by adapters that can check their settings
// before being registered.
type ConfigValidator interface {
	ValidateConfig() error
}

// Source pairs a descriptor with its adapter.
type Source struct {
	models.SourceDescriptor
	Adapter Adapter
}
