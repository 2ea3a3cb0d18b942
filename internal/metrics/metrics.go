// Package metrics declares the Prometheus collectors for the refresh pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Vendor API
	APICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_calls_total",
			Help: "Total number of upstream API calls",
		},
		[]string{"service", "endpoint", "status"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "premarket_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Cache reads
	CacheReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premarket_cache_reads_total",
			Help: "Cache reads by tier and result",
		},
		[]string{"tier", "result"}, // tier: redis, memory, reference; result: hit, miss, error, stale
	)

	// Refresh cycles
	RefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "premarket_refresh_duration_seconds",
			Help:    "Duration of a full refresh cycle",
			Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 300},
		},
	)

	RefreshRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premarket_refresh_runs_total",
			Help: "Refresh cycles by result",
		},
		[]string{"result"}, // completed, skipped, failed, aborted
	)

	RefreshSymbols = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "premarket_refresh_symbols",
			Help: "Symbols attempted and succeeded in the latest refresh",
		},
		[]string{"outcome"},
	)

	SymbolsAbandoned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premarket_symbols_abandoned_total",
			Help: "Symbols dropped from a refresh by reason",
		},
		[]string{"reason"},
	)

	Anomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premarket_anomalies_total",
			Help: "Flagged symbol anomalies by kind",
		},
		[]string{"kind"},
	)

	CacheTierWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premarket_cache_tier_writes_total",
			Help: "External cache tier writes by status",
		},
		[]string{"status"},
	)
)
