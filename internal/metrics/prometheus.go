package metrics

import (
	"errors"
	"strconv"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbook_search_duration_seconds",
			Help:    "Search duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"content_type", "cache"},
	)

	SearchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbook_search_total",
			Help: "Total number of searches processed",
		},
		[]string{"status"},
	)

	SearchResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runbook_search_results_count",
			Help:    "Number of results returned per search",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	SourceRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbook_source_requests_total",
			Help: "Adapter calls by source and outcome",
		},
		[]string{"source", "status"},
	)

	SourceLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbook_source_latency_seconds",
			Help:    "Adapter call latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"source"},
	)

	SourceHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runbook_source_health",
			Help: "Source health level (2 healthy, 1 degraded, 0 offline)",
		},
		[]string{"source"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbook_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"tier", "content_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbook_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"content_type"},
	)

	CacheRemoteErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbook_cache_remote_errors_total",
			Help: "Remote cache tier failures by operation",
		},
		[]string{"operation"},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runbook_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half open, 2 open)",
		},
		[]string{"breaker"},
	)

	CircuitShortCircuits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbook_circuit_breaker_short_circuits_total",
			Help: "Calls rejected without I/O by an open breaker",
		},
		[]string{"breaker"},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runbook_confidence_score",
			Help:    "Confidence scores of returned results",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	DecisionEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbook_decision_evaluations_total",
			Help: "Decision tree evaluations by outcome",
		},
		[]string{"outcome"},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbook_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(SearchDuration)
		prometheus.MustRegister(SearchTotal)
		prometheus.MustRegister(SearchResultsCount)
		prometheus.MustRegister(SourceRequests)
		prometheus.MustRegister(SourceLatency)
		prometheus.MustRegister(SourceHealth)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(CacheRemoteErrors)
		prometheus.MustRegister(CircuitState)
		prometheus.MustRegister(CircuitShortCircuits)
		prometheus.MustRegister(ConfidenceScore)
		prometheus.MustRegister(DecisionEvaluations)
		prometheus.MustRegister(HTTPRequests)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

// HTTPMiddleware counts requests by matched route pattern so path
// parameters do not explode label cardinality.
func HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()
		status := c.Response().StatusCode()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
		HTTPRequests.WithLabelValues(c.Route().Path, strconv.Itoa(status)).Inc()
		return err
	}
}
