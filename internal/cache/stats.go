package cache

import (
	"sync"
	"time"

	"github.com/runbook-agent/backend/internal/cache/memory"
)

type ContentTypeStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Sets    uint64  `json:"sets"`
	HitRate float64 `json:"hit_rate"`
}

type Stats struct {
	Mode            Mode                        `json:"mode"`
	Hits            uint64                      `json:"hits"`
	Misses          uint64                      `json:"misses"`
	HitRate         float64                     `json:"hit_rate"`
	MemoryHits      uint64                      `json:"memory_hits"`
	RemoteHits      uint64                      `json:"remote_hits"`
	Sets            uint64                      `json:"sets"`
	Invalidations   uint64                      `json:"invalidations"`
	TotalOperations uint64                      `json:"total_operations"`
	ByContentType   map[string]ContentTypeStats `json:"by_content_type"`
	RemoteConnected bool                        `json:"remote_connected"`
	RemoteErrors    uint64                      `json:"remote_errors"`
	ShortCircuits   uint64                      `json:"short_circuits"`
	BreakerState    string                      `json:"breaker_state,omitempty"`
	BreakerOpenedAt *time.Time                  `json:"breaker_opened_at,omitempty"`
	Memory          memory.Stats                `json:"memory"`
}

type counters struct {
	mu              sync.Mutex
	memoryHits      uint64
	remoteHits      uint64
	misses          uint64
	sets            uint64
	invalidations   uint64
	remoteErrors    uint64
	shortCircuits   uint64
	remoteConnected bool
	byContentType   map[string]*ContentTypeStats
}

func newCounters() *counters {
	return &counters{byContentType: make(map[string]*ContentTypeStats)}
}

func (c *counters) contentType(ct string) *ContentTypeStats {
	s, ok := c.byContentType[ct]
	if !ok {
		s = &ContentTypeStats{}
		c.byContentType[ct] = s
	}
	return s
}

func (c *counters) hit(ct string, remote bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remote {
		c.remoteHits++
	} else {
		c.memoryHits++
	}
	c.contentType(ct).Hits++
}

func (c *counters) miss(ct string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.misses++
	c.contentType(ct).Misses++
}

func (c *counters) set(ct string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sets++
	c.contentType(ct).Sets++
}

func (c *counters) invalidation() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.invalidations++
}

func (c *counters) remoteResult(err error, shortCircuit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.remoteConnected = true
		return
	}
	c.remoteErrors++
	c.remoteConnected = false
	if shortCircuit {
		c.shortCircuits++
	}
}

func (c *counters) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	hits := c.memoryHits + c.remoteHits
	stats := Stats{
		Hits:            hits,
		Misses:          c.misses,
		HitRate:         rate(hits, c.misses),
		MemoryHits:      c.memoryHits,
		RemoteHits:      c.remoteHits,
		Sets:            c.sets,
		Invalidations:   c.invalidations,
		TotalOperations: hits + c.misses + c.sets + c.invalidations,
		ByContentType:   make(map[string]ContentTypeStats, len(c.byContentType)),
		RemoteConnected: c.remoteConnected,
		RemoteErrors:    c.remoteErrors,
		ShortCircuits:   c.shortCircuits,
	}
	for ct, s := range c.byContentType {
		copied := *s
		copied.HitRate = rate(s.Hits, s.Misses)
		stats.ByContentType[ct] = copied
	}
	return stats
}

func rate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
