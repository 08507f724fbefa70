package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/runbook-agent/backend/internal/cache"
	"github.com/runbook-agent/backend/internal/cache/memory"
	cacheredis "github.com/runbook-agent/backend/internal/cache/redis"
	"github.com/runbook-agent/backend/internal/decision"
	"github.com/runbook-agent/backend/internal/middleware/ratelimit"
	"github.com/runbook-agent/backend/internal/models"
	"github.com/runbook-agent/backend/internal/scoring"
	"github.com/runbook-agent/backend/internal/search"
	"github.com/runbook-agent/backend/internal/sources"
	"github.com/runbook-agent/backend/pkg/circuitbreaker"
	"github.com/runbook-agent/backend/pkg/retry"
)

type Config struct {
	Server    ServerConfig
	Cache     CacheConfig
	Redis     RedisConfig
	Breaker   BreakerConfig
	Search    SearchConfig
	Health    HealthConfig
	Scoring   ScoringConfig
	Decision  DecisionConfig
	Sources   []models.SourceDescriptor
	SQLite    SQLiteConfig
	Neo4j     Neo4jConfig
	Zilliz    ZillizConfig
	LLM       LLMConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
	Ingest    IngestConfig
}

type ServerConfig struct {
	Host         string
	Port         int    `validate:"min=1,max=65535"`
	ReadTimeout  int    `validate:"min=1"`
	WriteTimeout int    `validate:"min=1"`
	BodyLimit    int    `validate:"min=1024"`
	Environment  string `validate:"oneof=development production"`
	CORSOrigins  []string
}

type ContentTypeConfig struct {
	TTLSeconds int `mapstructure:"ttlSeconds" validate:"min=0"`
	Warmup     bool
}

type CacheConfig struct {
	Strategy      string `validate:"oneof=memory_only redis_only hybrid"`
	MaxEntries    int    `validate:"min=1"`
	Eviction      string `validate:"oneof=lru ttl"`
	DefaultTTLSec int    `mapstructure:"defaultTtlSec" validate:"min=0"`
	JanitorSec    int    `validate:"min=1"`
	ContentTypes  map[string]ContentTypeConfig
	WarmupQueries []string
}

type RedisConfig struct {
	Host                 string
	Port                 int `validate:"min=1,max=65535"`
	Password             string
	DB                   int `validate:"min=0"`
	KeyPrefix            string
	ConnectionTimeoutMS  int     `mapstructure:"connectionTimeoutMs" validate:"min=1"`
	RetryAttempts        int     `validate:"min=1"`
	RetryDelayMS         int     `mapstructure:"retryDelayMs" validate:"min=0"`
	MaxRetryDelayMS      int     `mapstructure:"maxRetryDelayMs" validate:"min=0"`
	BackoffMultiplier    float64 `validate:"gte=1"`
	ConnectionRetryLimit int     `validate:"min=1"`
}

type BreakerConfig struct {
	WindowSec       int `validate:"min=1"`
	ResetTimeoutSec int `validate:"min=1"`
}

type SearchConfig struct {
	DeadlineMS     int `mapstructure:"deadlineMs" validate:"min=1"`
	MaxConcurrency int `validate:"min=1"`
	DefaultLimit   int `validate:"min=1"`
	MaxLimit       int `validate:"min=1,gtefield=DefaultLimit"`
	RetryDelayMS   int `mapstructure:"retryDelayMs" validate:"min=0"`
}

type HealthConfig struct {
	IntervalSec        int     `validate:"min=1"`
	TimeoutMS          int     `mapstructure:"timeoutMs" validate:"min=1"`
	FailuresToDemote   int     `validate:"min=1"`
	ErrorRateWindowSec int     `validate:"min=1"`
	ErrorRateThreshold float64 `validate:"gt=0,lte=1"`
	MinSamples         int     `validate:"min=1"`
}

type ScoringConfig struct {
	PriorityDecay   float64 `validate:"gte=0"`
	FreshnessWeight float64 `validate:"gte=0,lte=1"`
}

type DecisionConfig struct {
	NeutralConfidence  float64 `validate:"gt=0,lte=1"`
	ConditionCacheSize int     `validate:"gt=0"`
}

type SQLiteConfig struct {
	Path string `validate:"required"`
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string `validate:"required_if=Enabled true"`
	Username string
	Password string
	Database string
}

type ZillizConfig struct {
	Enabled        bool
	Endpoint       string `validate:"required_if=Enabled true"`
	APIKey         string
	CollectionName string `validate:"required_if=Enabled true"`
	VectorDim      int    `validate:"min=1"`
}

type LLMConfig struct {
	APIKey         string
	BaseURL        string
	EmbeddingModel string
	TimeoutSec     int `validate:"min=1"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `validate:"min=1"`
	Burst             int `validate:"min=0"`
}

type LoggingConfig struct {
	Level      string `validate:"oneof=debug info warn error"`
	Format     string `validate:"oneof=json console"`
	OutputPath string
}

type IngestConfig struct {
	Dir string
}

var configValidate = validator.New()

func Load() (*Config, error) {
	return load(viper.New(), ".", "./config", "/etc/runbook-agent")
}

func load(v *viper.Viper, paths ...string) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("RUNBOOK_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for ct := range c.Cache.ContentTypes {
		if !models.ContentType(ct).Valid() {
			return fmt.Errorf("invalid config: unknown cache content type %q", ct)
		}
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("invalid config: sources[%d] has no name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("invalid config: duplicate source %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.environment", "production")
	v.SetDefault("server.corsOrigins", []string{})

	v.SetDefault("cache.strategy", "hybrid")
	v.SetDefault("cache.maxEntries", 10000)
	v.SetDefault("cache.eviction", "lru")
	v.SetDefault("cache.defaultTtlSec", 300)
	v.SetDefault("cache.janitorSec", 60)
	v.SetDefault("cache.contentTypes", map[string]any{
		"runbooks":       map[string]any{"ttlSeconds": 3600, "warmup": true},
		"procedures":     map[string]any{"ttlSeconds": 1800, "warmup": false},
		"decision_trees": map[string]any{"ttlSeconds": 7200, "warmup": true},
		"knowledge_base": map[string]any{"ttlSeconds": 900, "warmup": false},
	})
	v.SetDefault("cache.warmupQueries", []string{})

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.keyPrefix", "runbook-agent:")
	v.SetDefault("redis.connectionTimeoutMs", 2000)
	v.SetDefault("redis.retryAttempts", 3)
	v.SetDefault("redis.retryDelayMs", 100)
	v.SetDefault("redis.maxRetryDelayMs", 30000)
	v.SetDefault("redis.backoffMultiplier", 2.0)
	v.SetDefault("redis.connectionRetryLimit", 5)

	v.SetDefault("breaker.windowSec", 60)
	v.SetDefault("breaker.resetTimeoutSec", 30)

	v.SetDefault("search.deadlineMs", 3000)
	v.SetDefault("search.maxConcurrency", 16)
	v.SetDefault("search.defaultLimit", 10)
	v.SetDefault("search.maxLimit", 100)
	v.SetDefault("search.retryDelayMs", 50)

	v.SetDefault("health.intervalSec", 30)
	v.SetDefault("health.timeoutMs", 5000)
	v.SetDefault("health.failuresToDemote", 3)
	v.SetDefault("health.errorRateWindowSec", 300)
	v.SetDefault("health.errorRateThreshold", 0.5)
	v.SetDefault("health.minSamples", 10)

	v.SetDefault("scoring.priorityDecay", 0.02)
	v.SetDefault("scoring.freshnessWeight", 0.5)

	v.SetDefault("decision.neutralConfidence", decision.DefaultNeutralConfidence)
	v.SetDefault("decision.conditionCacheSize", decision.DefaultConditionCacheSize)

	v.SetDefault("sqlite.path", "./data/runbooks.db")

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("zilliz.enabled", false)
	v.SetDefault("zilliz.endpoint", "localhost:19530")
	v.SetDefault("zilliz.collectionName", "runbook_chunks")
	v.SetDefault("zilliz.vectorDim", 1536)

	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.timeoutSec", 15)

	v.SetDefault("rateLimit.requestsPerMinute", 120)
	v.SetDefault("rateLimit.burst", 20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("ingest.dir", "")
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

func (c *Config) ToCacheConfig(logger *zap.Logger) cache.Config {
	policies := make(map[models.ContentType]cache.ContentTypePolicy, len(c.Cache.ContentTypes))
	for ct, p := range c.Cache.ContentTypes {
		policies[models.ContentType(ct)] = cache.ContentTypePolicy{
			TTL:    time.Duration(p.TTLSeconds) * time.Second,
			Warmup: p.Warmup,
		}
	}
	return cache.Config{
		Mode:              cache.Mode(c.Cache.Strategy),
		Policies:          policies,
		DefaultTTL:        time.Duration(c.Cache.DefaultTTLSec) * time.Second,
		ConnectionTimeout: time.Duration(c.Redis.ConnectionTimeoutMS) * time.Millisecond,
		Logger:            logger,
	}
}

func (c *Config) EvictionPolicy() memory.EvictionPolicy {
	return memory.EvictionPolicy(c.Cache.Eviction)
}

func (c *Config) ToRedisOptions(logger *zap.Logger) cacheredis.Options {
	return cacheredis.Options{
		Addr:              fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port),
		Password:          c.Redis.Password,
		DB:                c.Redis.DB,
		KeyPrefix:         c.Redis.KeyPrefix,
		ConnectionTimeout: time.Duration(c.Redis.ConnectionTimeoutMS) * time.Millisecond,
		Retry: retry.Config{
			MaxAttempts:    c.Redis.RetryAttempts,
			InitialDelay:   time.Duration(c.Redis.RetryDelayMS) * time.Millisecond,
			MaxDelay:       time.Duration(c.Redis.MaxRetryDelayMS) * time.Millisecond,
			Multiplier:     c.Redis.BackoffMultiplier,
			JitterFraction: 0.1,
			Logger:         logger,
		},
		Logger: logger,
	}
}

// ToBreakerConfig maps the remote-tier connection settings onto the breaker:
// connection_retry_limit is the failure threshold, retry_delay_ms seeds the
// reset timeout when it is larger than the configured one.
func (c *Config) ToBreakerConfig(logger *zap.Logger) circuitbreaker.Config {
	reset := time.Duration(c.Breaker.ResetTimeoutSec) * time.Second
	if d := time.Duration(c.Redis.RetryDelayMS) * time.Millisecond; d > reset {
		reset = d
	}
	return circuitbreaker.Config{
		FailureThreshold:  uint32(c.Redis.ConnectionRetryLimit),
		Window:            time.Duration(c.Breaker.WindowSec) * time.Second,
		ResetTimeout:      reset,
		BackoffMultiplier: c.Redis.BackoffMultiplier,
		MaxResetTimeout:   time.Duration(c.Redis.MaxRetryDelayMS) * time.Millisecond,
		Logger:            logger,
	}
}

func (c *Config) ToRegistryConfig(logger *zap.Logger) sources.Config {
	return sources.Config{
		MaxConcurrency:     int64(c.Search.MaxConcurrency),
		HealthTimeout:      time.Duration(c.Health.TimeoutMS) * time.Millisecond,
		FailuresToDemote:   c.Health.FailuresToDemote,
		ErrorRateWindow:    time.Duration(c.Health.ErrorRateWindowSec) * time.Second,
		ErrorRateThreshold: c.Health.ErrorRateThreshold,
		MinSamples:         c.Health.MinSamples,
		Logger:             logger,
	}
}

func (c *Config) ToSearchConfig(logger *zap.Logger) search.Config {
	return search.Config{
		DefaultDeadline: time.Duration(c.Search.DeadlineMS) * time.Millisecond,
		DefaultLimit:    c.Search.DefaultLimit,
		MaxLimit:        c.Search.MaxLimit,
		RetryDelay:      time.Duration(c.Search.RetryDelayMS) * time.Millisecond,
		Logger:          logger,
	}
}

func (c *Config) ToScoringWeights() scoring.Weights {
	return scoring.Weights{
		PriorityDecay:   c.Scoring.PriorityDecay,
		FreshnessWeight: c.Scoring.FreshnessWeight,
	}
}

func (c *Config) ToDecisionConfig(logger *zap.Logger) decision.Config {
	return decision.Config{
		NeutralConfidence:  c.Decision.NeutralConfidence,
		ConditionCacheSize: c.Decision.ConditionCacheSize,
		Logger:             logger,
	}
}

func (c *Config) ToRateLimitConfig(logger *zap.Logger) ratelimit.Config {
	return ratelimit.Config{
		RequestsPerMinute: c.RateLimit.RequestsPerMinute,
		Burst:             c.RateLimit.Burst,
		Logger:            logger,
	}
}

// WarmupContentTypes lists content types whose policy asks for warmup.
func (c *Config) WarmupContentTypes() []models.ContentType {
	var out []models.ContentType
	for _, ct := range models.KnownContentTypes {
		if p, ok := c.Cache.ContentTypes[string(ct)]; ok && p.Warmup {
			out = append(out, ct)
		}
	}
	return out
}
