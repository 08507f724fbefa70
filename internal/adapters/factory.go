// Package adapters builds source adapters from their configured descriptors.
package adapters

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/runbook-agent/backend/internal/adapters/database"
	"github.com/runbook-agent/backend/internal/adapters/filesystem"
	"github.com/runbook-agent/backend/internal/adapters/graph"
	"github.com/runbook-agent/backend/internal/adapters/vector"
	"github.com/runbook-agent/backend/internal/adapters/web"
	"github.com/runbook-agent/backend/internal/models"
	"github.com/runbook-agent/backend/internal/sources"
)

const (
	TypeFilesystem = "filesystem"
	TypeVCS        = "vcs"
	TypeWiki       = "wiki"
	TypeWeb        = "web"
	TypeDatabase   = "database"
	TypeGraph      = "graph"
	TypeVector     = "vector"
)

// Deps are the shared backends adapters may be built on. Leave a field nil
// when the backend is not configured; sources needing it are rejected.
type Deps struct {
	Runbooks    database.Store
	Graph       graph.Graph
	Embedder    vector.Embedder
	VectorIndex vector.Index
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Build returns the adapter for desc. Every failure is a
// SourceConfigurationError so the caller can skip just this source.
func Build(desc models.SourceDescriptor, deps Deps) (sources.Adapter, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("source", desc.Name))
	s := settings(desc.Settings)

	configErr := func(format string, args ...any) error {
		return &models.SourceConfigurationError{Source: desc.Name, Err: fmt.Errorf(format, args...)}
	}

	switch strings.ToLower(desc.Type) {
	case TypeFilesystem, TypeVCS:
		reload, err := s.duration("reload_interval")
		if err != nil {
			return nil, configErr("%w", err)
		}
		return filesystem.New(filesystem.Options{
			Name:           desc.Name,
			Type:           strings.ToLower(desc.Type),
			Path:           s.str("path"),
			ReloadInterval: reload,
			Logger:         logger,
		}), nil

	case TypeWiki, TypeWeb:
		maxResults, err := s.integer("max_results")
		if err != nil {
			return nil, configErr("%w", err)
		}
		fetch, err := s.boolean("fetch_content")
		if err != nil {
			return nil, configErr("%w", err)
		}
		return web.New(web.Options{
			Name:            desc.Name,
			SearchURL:       s.str("search_url"),
			HealthURL:       s.str("health_url"),
			ResultSelector:  s.str("result_selector"),
			TitleSelector:   s.str("title_selector"),
			LinkSelector:    s.str("link_selector"),
			SnippetSelector: s.str("snippet_selector"),
			MaxResults:      maxResults,
			FetchContent:    fetch,
			UserAgent:       s.str("user_agent"),
			HTTPClient:      deps.HTTPClient,
			Logger:          logger,
		}), nil

	case TypeDatabase:
		if deps.Runbooks == nil {
			return nil, configErr("runbook database is not configured")
		}
		limit, err := s.integer("limit")
		if err != nil {
			return nil, configErr("%w", err)
		}
		return database.New(database.Options{Name: desc.Name, Limit: limit, Logger: logger}, deps.Runbooks), nil

	case TypeGraph:
		if deps.Graph == nil {
			return nil, configErr("neo4j is not configured")
		}
		limit, err := s.integer("limit")
		if err != nil {
			return nil, configErr("%w", err)
		}
		return graph.New(graph.Options{Name: desc.Name, Limit: limit, Logger: logger}, deps.Graph), nil

	case TypeVector:
		if deps.Embedder == nil || deps.VectorIndex == nil {
			return nil, configErr("vector search requires both the llm and zilliz backends")
		}
		topK, err := s.integer("top_k")
		if err != nil {
			return nil, configErr("%w", err)
		}
		return vector.New(vector.Options{Name: desc.Name, TopK: topK, Logger: logger}, deps.Embedder, deps.VectorIndex), nil
	}

	return nil, configErr("unknown source type %q", desc.Type)
}

type settings map[string]string

func (s settings) str(key string) string {
	return strings.TrimSpace(s[key])
}

func (s settings) integer(key string) (int, error) {
	v := s.str(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("settings.%s: %w", key, err)
	}
	return n, nil
}

func (s settings) boolean(key string) (bool, error) {
	v := s.str(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("settings.%s: %w", key, err)
	}
	return b, nil
}

func (s settings) duration(key string) (time.Duration, error) {
	v := s.str(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("settings.%s: %w", key, err)
	}
	return d, nil
}
