// Package metrics registers the Prometheus metrics exported by the chat
// relay. The server mounts promhttp.Handler() at /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values shared by RequestsTotal and the request log.
const (
	OutcomeCacheHit  = "cache_hit"
	OutcomeUpstream  = "upstream"
	OutcomeFallback  = "fallback"
	OutcomeCancelled = "cancelled"
)

var (
	// RequestsTotal counts chat requests by endpoint ("chat", "stream") and
	// outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_requests_total",
			Help: "Total chat requests by endpoint and outcome.",
		},
		[]string{"endpoint", "outcome"},
	)

	// RequestDuration observes chat request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_request_duration_seconds",
			Help:    "Chat request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 90},
		},
		[]string{"endpoint", "outcome"},
	)

	// TokensInput counts prompt tokens sent upstream.
	TokensInput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_tokens_input_total",
			Help: "Total prompt tokens sent to the upstream model.",
		},
		[]string{"provider", "model"},
	)

	// TokensOutput counts completion tokens received from upstream.
	TokensOutput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_tokens_output_total",
			Help: "Total completion tokens received from the upstream model.",
		},
		[]string{"provider", "model"},
	)

	// UpstreamErrors counts upstream failures by type ("provider_error",
	// "circuit_open", "timeout", "stream_error").
	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_upstream_errors_total",
			Help: "Total upstream failures by type.",
		},
		[]string{"provider", "error_type"},
	)

	// CircuitBreakerState is 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatrelay_circuit_breaker_state",
			Help: "Upstream circuit breaker state (0=closed 1=open 2=half_open).",
		},
		[]string{"provider"},
	)

	// RateLimitRejections counts requests rejected by the per-IP limiter.
	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_rate_limit_rejections_total",
			Help: "Total requests rejected by rate limiting.",
		},
	)

	// CacheEvictions counts entries removed by the cleanup sweep.
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_cache_expired_removed_total",
			Help: "Total expired cache entries removed by the cleanup sweep.",
		},
	)
)

var cacheSizeOnce sync.Once

// RegisterCacheSize exports the response cache size as a gauge backed by
// size. Only the first call registers; later calls are ignored.
func RegisterCacheSize(size func() int) {
	cacheSizeOnce.Do(func() {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "chatrelay_cache_entries",
			Help: "Number of entries in the response cache.",
		}, func() float64 { return float64(size()) })
	})
}
