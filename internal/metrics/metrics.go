// Package metrics registers the Prometheus metrics used by the client.
// Import this package (via blank import) from the entry point to register
// all metrics before the /metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts coordinator fetches labelled by resource
	// ("catalog", "classify", "qa") and outcome ("cache_hit", "success",
	// "error", "timeout", "superseded").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantchat_requests_total",
			Help: "Total requests issued through the request coordinators.",
		},
		[]string{"resource", "outcome"},
	)

	// RequestDuration observes end-to-end fetch latency in seconds,
	// cache hits included.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plantchat_request_duration_seconds",
			Help:    "End-to-end request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"resource"},
	)

	// CacheHits counts durable-cache hits per namespace.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantchat_cache_hits_total",
			Help: "Durable cache hits per namespace.",
		},
		[]string{"namespace"},
	)

	// CacheMisses counts durable-cache misses per namespace.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantchat_cache_misses_total",
			Help: "Durable cache misses per namespace.",
		},
		[]string{"namespace"},
	)

	// CacheSweepDeleted counts entries removed by sweep passes per namespace.
	CacheSweepDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantchat_cache_sweep_deleted_total",
			Help: "Expired cache entries deleted by sweep passes.",
		},
		[]string{"namespace"},
	)

	// CircuitBreakerState tracks per-resource circuit breaker state as a
	// gauge: 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plantchat_circuit_breaker_state",
			Help: "Circuit breaker state per resource (0=closed 1=open 2=half_open).",
		},
		[]string{"resource"},
	)

	// ConversationTransitions counts orchestrator state transitions.
	ConversationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantchat_conversation_transitions_total",
			Help: "Conversation state machine transitions.",
		},
		[]string{"from", "to"},
	)
)
