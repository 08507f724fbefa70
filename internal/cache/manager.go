package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/runbook-agent/backend/internal/cache/memory"
	"github.com/runbook-agent/backend/internal/metrics"
	"github.com/runbook-agent/backend/internal/models"
	"github.com/runbook-agent/backend/pkg/circuitbreaker"
)

type Mode string

const (
	ModeMemoryOnly Mode = "memory_only"
	ModeRedisOnly  Mode = "redis_only"
	ModeHybrid     Mode = "hybrid"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeMemoryOnly, ModeRedisOnly, ModeHybrid:
		return true
	}
	return false
}

// ContentTypePolicy sets how long entries of one content type live and
// whether they are pre-populated before traffic is served.
type ContentTypePolicy struct {
	TTL    time.Duration
	Warmup bool
}

// RemoteStore is the shared cache tier. Implementations return an error for
// any I/O failure; a miss is (Entry{}, false, nil).
type RemoteStore interface {
	Get(ctx context.Context, key string) (memory.Entry, bool, error)
	Set(ctx context.Context, key string, entry memory.Entry) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Ping(ctx context.Context) error
}

type Config struct {
	Mode     Mode
	Policies map[models.ContentType]ContentTypePolicy
	// DefaultTTL applies to content types without a policy.
	DefaultTTL        time.Duration
	ConnectionTimeout time.Duration
	Logger            *zap.Logger
	Clock             func() time.Time
}

type Manager struct {
	mode              Mode
	policies          map[models.ContentType]ContentTypePolicy
	defaultTTL        time.Duration
	connectionTimeout time.Duration
	logger            *zap.Logger
	now               func() time.Time

	memory  *memory.Store
	remote  RemoteStore
	breaker *circuitbreaker.CircuitBreaker
	stats   *counters
}

func NewManager(cfg Config, mem *memory.Store, remote RemoteStore, breaker *circuitbreaker.CircuitBreaker) (*Manager, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeHybrid
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("unknown cache mode %q", cfg.Mode)
	}
	if mem == nil {
		return nil, errors.New("memory tier is required")
	}
	if cfg.Mode != ModeMemoryOnly && remote == nil {
		return nil, fmt.Errorf("cache mode %s requires a remote store", cfg.Mode)
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if breaker == nil {
		breaker = circuitbreaker.NewCircuitBreaker("cache-remote", circuitbreaker.Config{Logger: cfg.Logger})
	}

	policies := make(map[models.ContentType]ContentTypePolicy, len(cfg.Policies))
	for ct, p := range cfg.Policies {
		if p.TTL < 0 {
			return nil, fmt.Errorf("negative ttl for content type %s", ct)
		}
		policies[ct] = p
	}

	return &Manager{
		mode:              cfg.Mode,
		policies:          policies,
		defaultTTL:        cfg.DefaultTTL,
		connectionTimeout: cfg.ConnectionTimeout,
		logger:            cfg.Logger,
		now:               cfg.Clock,
		memory:            mem,
		remote:            remote,
		breaker:           breaker,
		stats:             newCounters(),
	}, nil
}

func (m *Manager) Mode() Mode {
	return m.mode
}

func (m *Manager) Policy(ct models.ContentType) ContentTypePolicy {
	if p, ok := m.policies[ct]; ok {
		return p
	}
	return ContentTypePolicy{TTL: m.defaultTTL}
}

// Get looks key up and decodes the stored JSON into out. It reports a miss
// instead of an error for every failure: an unavailable remote tier only
// degrades the lookup.
func (m *Manager) Get(ctx context.Context, key string, ct models.ContentType, out any) bool {
	entry, tier, ok := m.lookup(ctx, key)
	if ok {
		if err := json.Unmarshal(entry.Value, out); err != nil {
			m.logger.Warn("Dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
			m.memory.Delete(key)
			ok = false
		}
	}

	if !ok {
		m.stats.miss(string(ct))
		metrics.CacheMisses.WithLabelValues(string(ct)).Inc()
		return false
	}

	m.stats.hit(string(ct), tier == "remote")
	metrics.CacheHits.WithLabelValues(tier, string(ct)).Inc()
	return true
}

func (m *Manager) lookup(ctx context.Context, key string) (memory.Entry, string, bool) {
	switch m.mode {
	case ModeMemoryOnly:
		entry, ok := m.memory.Get(key)
		return entry, "memory", ok

	case ModeRedisOnly:
		entry, ok, err := m.remoteGet(ctx, key)
		if err != nil {
			entry, ok := m.memory.Get(key)
			return entry, "memory", ok
		}
		return entry, "remote", ok

	default:
		if entry, ok := m.memory.Get(key); ok {
			return entry, "memory", true
		}
		entry, ok, err := m.remoteGet(ctx, key)
		if err != nil || !ok {
			return memory.Entry{}, "", false
		}
		// Same stored_at and ttl, so the memory copy expires with the remote one.
		m.memory.Set(key, entry)
		return entry, "remote", true
	}
}

func (m *Manager) remoteGet(ctx context.Context, key string) (memory.Entry, bool, error) {
	var (
		entry memory.Entry
		found bool
	)
	err := m.remoteCall(ctx, "get", func(ctx context.Context) error {
		var err error
		entry, found, err = m.remote.Get(ctx, key)
		return err
	})
	if err != nil {
		return memory.Entry{}, false, err
	}
	if found && entry.Expired(m.now()) {
		return memory.Entry{}, false, nil
	}
	return entry, found, nil
}

// Set serializes value once and stores the immutable bytes in every tier the
// mode uses. A zero TTL for the content type means the value is not cached.
// Remote failures are recorded and never returned.
func (m *Manager) Set(ctx context.Context, key string, ct models.ContentType, value any) error {
	policy := m.Policy(ct)
	if policy.TTL <= 0 {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	entry := memory.Entry{
		Value:       data,
		ContentType: string(ct),
		StoredAt:    m.now(),
		TTL:         policy.TTL,
	}

	m.memory.Set(key, entry)
	m.stats.set(string(ct))

	if m.mode != ModeMemoryOnly {
		_ = m.remoteCall(ctx, "set", func(ctx context.Context) error {
			return m.remote.Set(ctx, key, entry)
		})
	}
	return nil
}

func (m *Manager) Invalidate(ctx context.Context, key string) {
	m.memory.Delete(key)
	m.stats.invalidation()

	if m.mode != ModeMemoryOnly {
		_ = m.remoteCall(ctx, "delete", func(ctx context.Context) error {
			return m.remote.Delete(ctx, key)
		})
	}
}

// InvalidatePrefix drops every key under prefix. It returns the number of
// keys removed from the authoritative tier: memory in memory_only mode, the
// remote tier otherwise unless it could not be reached.
func (m *Manager) InvalidatePrefix(ctx context.Context, prefix string) int {
	removed := m.memory.DeletePrefix(prefix)
	m.stats.invalidation()

	if m.mode == ModeMemoryOnly {
		return removed
	}

	var remoteRemoved int
	err := m.remoteCall(ctx, "delete_prefix", func(ctx context.Context) error {
		var err error
		remoteRemoved, err = m.remote.DeletePrefix(ctx, prefix)
		return err
	})
	if err != nil {
		return removed
	}
	return remoteRemoved
}

// Warmup runs representative queries for content types whose policy asks for
// it. Individual failures are logged; only context cancellation aborts.
func (m *Manager) Warmup(ctx context.Context, ct models.ContentType, queries []string, fn func(ctx context.Context, query string) error) (int, error) {
	if !m.Policy(ct).Warmup {
		return 0, nil
	}

	warmed := 0
	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return warmed, err
		}
		if err := fn(ctx, q); err != nil {
			m.logger.Warn("Cache warmup query failed",
				zap.String("content_type", string(ct)),
				zap.String("query", q),
				zap.Error(err),
			)
			continue
		}
		warmed++
	}

	m.logger.Info("Cache warmed",
		zap.String("content_type", string(ct)),
		zap.Int("queries", warmed),
	)
	return warmed, nil
}

// PingRemote probes the remote tier through the breaker.
func (m *Manager) PingRemote(ctx context.Context) error {
	if m.mode == ModeMemoryOnly {
		return nil
	}
	return m.remoteCall(ctx, "ping", m.remote.Ping)
}

// RunJanitor purges expired memory entries every interval until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.memory.PurgeExpired(); n > 0 {
				m.logger.Debug("Purged expired cache entries", zap.Int("count", n))
			}
		}
	}
}

func (m *Manager) Stats() Stats {
	stats := m.stats.snapshot()
	stats.Mode = m.mode
	stats.Memory = m.memory.Stats()
	if m.mode != ModeMemoryOnly {
		stats.BreakerState = m.breaker.State().String()
		if m.breaker.State() == circuitbreaker.StateOpen {
			stats.RemoteConnected = false
		}
		if opened := m.breaker.OpenedAt(); !opened.IsZero() {
			stats.BreakerOpenedAt = &opened
		}
	}
	return stats
}

func (m *Manager) remoteCall(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	// A caller that has already given up is not a remote failure.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", models.ErrCacheUnavailable, err)
	}

	err := m.breaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, m.connectionTimeout)
		defer cancel()
		return fn(callCtx)
	})

	shortCircuit := errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests)
	m.stats.remoteResult(err, shortCircuit)
	if err == nil {
		return nil
	}

	metrics.CacheRemoteErrors.WithLabelValues(op).Inc()
	if shortCircuit {
		metrics.CircuitShortCircuits.WithLabelValues(m.breaker.Name()).Inc()
	} else {
		m.logger.Warn("Remote cache operation failed",
			zap.String("operation", op),
			zap.Error(err),
		)
	}
	return fmt.Errorf("%w: %w", models.ErrCacheUnavailable, err)
}
