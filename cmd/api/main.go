package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/runbook-agent/backend/internal/adapters"
	"github.com/runbook-agent/backend/internal/api/handlers"
	"github.com/runbook-agent/backend/internal/cache"
	"github.com/runbook-agent/backend/internal/cache/memory"
	cacheredis "github.com/runbook-agent/backend/internal/cache/redis"
	"github.com/runbook-agent/backend/internal/decision"
	"github.com/runbook-agent/backend/internal/evaluation"
	"github.com/runbook-agent/backend/internal/ingestion"
	"github.com/runbook-agent/backend/internal/kg/neo4j"
	"github.com/runbook-agent/backend/internal/llm"
	"github.com/runbook-agent/backend/internal/metrics"
	"github.com/runbook-agent/backend/internal/middleware/ratelimit"
	"github.com/runbook-agent/backend/internal/middleware/security"
	"github.com/runbook-agent/backend/internal/middleware/validation"
	"github.com/runbook-agent/backend/internal/models"
	"github.com/runbook-agent/backend/internal/scoring"
	"github.com/runbook-agent/backend/internal/search"
	"github.com/runbook-agent/backend/internal/sources"
	"github.com/runbook-agent/backend/internal/storage/sqlite"
	"github.com/runbook-agent/backend/internal/vector/zilliz"
	"github.com/runbook-agent/backend/pkg/circuitbreaker"
	"github.com/runbook-agent/backend/pkg/config"
	appLogger "github.com/runbook-agent/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()
	log := appLogger.GetLogger()

	appLogger.Info("Starting Runbook Agent API Server")
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cacheManager, closeCache := setupCache(ctx, cfg, log)
	defer closeCache()

	if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
		appLogger.Fatal("Failed to create data directory", zap.Error(err))
	}
	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	deps := adapters.Deps{
		Runbooks:   sqliteClient,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Logger:     log,
	}
	sinks := ingestion.Sinks{Runbooks: sqliteClient}

	if cfg.Neo4j.Enabled {
		neo4jClient, err := neo4j.NewClient(ctx, neo4j.Options{
			URI:      cfg.Neo4j.URI,
			Username: cfg.Neo4j.Username,
			Password: cfg.Neo4j.Password,
			Database: cfg.Neo4j.Database,
			Logger:   log.Named("neo4j"),
		})
		if err != nil {
			appLogger.Warn("Neo4j unavailable, graph sources disabled", zap.Error(err))
		} else {
			defer neo4jClient.Close(context.Background())
			if err := neo4jClient.InitSchema(ctx); err != nil {
				appLogger.Warn("Failed to initialize graph schema", zap.Error(err))
			}
			deps.Graph = neo4jClient
			sinks.Graph = neo4jClient
		}
	}

	if cfg.Zilliz.Enabled {
		if cfg.LLM.APIKey == "" {
			appLogger.Warn("Zilliz enabled without an embedding API key, vector sources disabled")
		} else {
			zillizClient, err := zilliz.NewClient(ctx, zilliz.Options{
				Endpoint:       cfg.Zilliz.Endpoint,
				APIKey:         cfg.Zilliz.APIKey,
				CollectionName: cfg.Zilliz.CollectionName,
				VectorDim:      cfg.Zilliz.VectorDim,
				Logger:         log.Named("zilliz"),
			})
			if err != nil {
				appLogger.Warn("Zilliz unavailable, vector sources disabled", zap.Error(err))
			} else {
				defer zillizClient.Close()
				if err := zillizClient.CreateCollection(ctx); err != nil {
					appLogger.Warn("Failed to create collection", zap.Error(err))
				}
				llmClient := llm.NewClient(llm.Options{
					APIKey:         cfg.LLM.APIKey,
					BaseURL:        cfg.LLM.BaseURL,
					EmbeddingModel: cfg.LLM.EmbeddingModel,
					Timeout:        time.Duration(cfg.LLM.TimeoutSec) * time.Second,
					Logger:         log.Named("llm"),
				})
				deps.Embedder = llmClient
				deps.VectorIndex = zillizClient
				sinks.Embedder = llmClient
				sinks.Vectors = zillizClient
			}
		}
	}

	if cfg.Ingest.Dir != "" {
		processor := ingestion.NewProcessor(sinks, log.Named("ingestion"))
		report, err := processor.IngestDir(ctx, cfg.Ingest.Dir)
		if err != nil {
			appLogger.Warn("Runbook ingestion finished with errors",
				zap.Int("failed", report.Failed),
				zap.Error(err),
			)
		}
		appLogger.Info("Runbooks ingested",
			zap.Int("runbooks", report.Runbooks),
			zap.Int("edges", report.Edges),
			zap.Int("chunks", report.Chunks),
		)
	}

	registry := sources.NewRegistry(cfg.ToRegistryConfig(log.Named("registry")))
	registerSources(cfg.Sources, registry, deps)

	orchestrator := search.NewOrchestrator(
		cfg.ToSearchConfig(log.Named("search")),
		cacheManager,
		registry,
		scoring.NewScorer(cfg.ToScoringWeights()),
		sqliteClient,
	)
	decisionEvaluator := decision.NewEvaluator(cfg.ToDecisionConfig(log.Named("decision")))

	ready := &atomic.Bool{}
	go registry.Run(ctx, time.Duration(cfg.Health.IntervalSec)*time.Second)
	go cacheManager.RunJanitor(ctx, time.Duration(cfg.Cache.JanitorSec)*time.Second)
	go warmup(ctx, cfg, registry, cacheManager, orchestrator, ready)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(cfg.ToRateLimitConfig(log.Named("ratelimit")))
	defer limiter.Stop()

	allowOrigins := "*"
	if len(cfg.Server.CORSOrigins) > 0 {
		allowOrigins = strings.Join(cfg.Server.CORSOrigins, ", ")
	}

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(metrics.HTTPMiddleware())
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Client-ID",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		ConnectOrigins: cfg.Server.CORSOrigins,
		IsDevelopment:  cfg.IsDevelopment(),
	}))
	app.Use(validation.Middleware(validation.Config{
		JSONPaths:   []string{"/api/v1/search", "/api/v1/runbooks", "/api/v1/decision-trees"},
		MaxBodySize: cfg.Server.BodyLimit,
		Logger:      log.Named("validation"),
	}))

	searchHandler := handlers.NewSearchHandler(orchestrator, sqliteClient)
	runbookHandler := handlers.NewRunbookHandler(orchestrator, decisionEvaluator)
	sourceHandler := handlers.NewSourceHandler(registry)
	cacheHandler := handlers.NewCacheHandler(cacheManager)
	healthHandler := handlers.NewHealthHandler(ready, registry, cacheManager)
	evaluationHandler := handlers.NewEvaluationHandler(evaluation.NewEvaluator(orchestrator, log.Named("evaluation")))
	wsHandler := handlers.NewWebSocketHandler(orchestrator)

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")
	api.Get("/health", healthHandler.Health)
	api.Get("/ready", healthHandler.Ready)

	limited := api.Group("", limiter.Middleware())
	limited.Post("/search", searchHandler.HandleSearch)
	limited.Get("/search/history", searchHandler.GetHistory)
	limited.Get("/runbooks/:id", runbookHandler.GetRunbook)
	limited.Post("/runbooks/:id/evaluate", runbookHandler.EvaluateRunbook)
	limited.Post("/decision-trees/evaluate", runbookHandler.EvaluateTree)
	limited.Get("/sources", sourceHandler.ListSources)
	limited.Post("/sources/:name/health", sourceHandler.CheckSource)
	limited.Get("/cache/stats", cacheHandler.GetStats)
	limited.Delete("/cache", cacheHandler.Invalidate)
	limited.Post("/evaluations", evaluationHandler.RunEvaluation)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	cancel()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

// setupCache builds the memory tier and, unless the strategy is memory_only,
// the redis tier behind its circuit breaker. An unreachable redis at startup
// is logged and left to the breaker.
func setupCache(ctx context.Context, cfg *config.Config, log *zap.Logger) (*cache.Manager, func()) {
	mem, err := memory.New(cfg.Cache.MaxEntries, cfg.EvictionPolicy(), nil)
	if err != nil {
		appLogger.Fatal("Failed to create memory cache", zap.Error(err))
	}

	cacheCfg := cfg.ToCacheConfig(log.Named("cache"))
	closeFn := func() {}

	var remote cache.RemoteStore
	var breaker *circuitbreaker.CircuitBreaker
	if cacheCfg.Mode != cache.ModeMemoryOnly {
		redisClient := cacheredis.NewClient(cfg.ToRedisOptions(log.Named("redis")))
		if err := redisClient.Connect(ctx); err != nil {
			appLogger.Warn("Redis unreachable at startup", zap.Error(err))
		}
		remote = redisClient
		closeFn = func() { redisClient.Close() }

		breakerCfg := cfg.ToBreakerConfig(log.Named("breaker"))
		breakerCfg.OnStateChange = func(name string, _ circuitbreaker.State, to circuitbreaker.State) {
			metrics.CircuitState.WithLabelValues(name).Set(float64(to))
		}
		breaker = circuitbreaker.NewCircuitBreaker("redis", breakerCfg)
		metrics.CircuitState.WithLabelValues("redis").Set(float64(circuitbreaker.StateClosed))
	}

	manager, err := cache.NewManager(cacheCfg, mem, remote, breaker)
	if err != nil {
		appLogger.Fatal("Failed to create cache manager", zap.Error(err))
	}
	return manager, closeFn
}

// registerSources builds and registers every configured source. A source
// that fails to build or validate is skipped; startup continues.
func registerSources(descs []models.SourceDescriptor, registry *sources.Registry, deps adapters.Deps) {
	for _, desc := range descs {
		adapter, err := adapters.Build(desc, deps)
		if err == nil {
			err = registry.Register(desc, adapter)
		}
		if err != nil {
			appLogger.Warn("Skipping source",
				zap.String("source", desc.Name),
				zap.String("type", desc.Type),
				zap.Error(err),
			)
		}
	}

	if registry.Len() == 0 {
		appLogger.Warn("No sources registered; searches will return empty results")
	}
}

// warmup probes every source once, then precomputes the configured warmup
// queries for content types whose policy asks for it. Readiness flips only
// after both finish.
func warmup(ctx context.Context, cfg *config.Config, registry *sources.Registry, cacheManager *cache.Manager, orchestrator *search.Orchestrator, ready *atomic.Bool) {
	defer ready.Store(true)

	registry.CheckAll(ctx)

	if len(cfg.Cache.WarmupQueries) == 0 {
		return
	}
	for _, ct := range cfg.WarmupContentTypes() {
		if _, err := cacheManager.Warmup(ctx, ct, cfg.Cache.WarmupQueries, orchestrator.Warm(ct)); err != nil {
			appLogger.Warn("Cache warmup incomplete",
				zap.String("content_type", string(ct)),
				zap.Error(err),
			)
		}
	}
}
