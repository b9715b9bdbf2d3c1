// Package monitoring exposes the Prometheus metrics for the control plane.
// Metrics register against the default registry at init and are served from
// /metrics by the API server.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts requests by route, method and status class.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baseliner_http_requests_total",
			Help: "Total HTTP requests handled",
		},
		[]string{"route", "method", "status"},
	)

	// HTTPRequestDuration observes handler latency by route.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "baseliner_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// IngestReports counts report ingest outcomes.
	IngestReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baseliner_ingest_reports_total",
			Help: "Run reports ingested",
		},
		[]string{"outcome"}, // committed, duplicate, rejected, error
	)

	// IngestRetries counts transactions retried after a serialization failure.
	IngestRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "baseliner_ingest_retries_total",
			Help: "Report transactions retried after transient storage errors",
		},
	)

	// IngestItems observes per-report item counts.
	IngestItems = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "baseliner_ingest_items_per_report",
			Help:    "Items carried by each ingested report",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	// CompileDuration observes effective-policy compile latency.
	CompileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "baseliner_policy_compile_duration_seconds",
			Help:    "Effective policy compilation latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)

	// CompileConflicts observes conflicts resolved per compile.
	CompileConflicts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "baseliner_policy_compile_conflicts",
			Help:    "Resource conflicts resolved per compile",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
		},
	)

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baseliner_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"scope"}, // device, ip
	)

	// PrunedRuns counts runs removed by maintenance pruning.
	PrunedRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "baseliner_pruned_runs_total",
			Help: "Run rows deleted by retention pruning",
		},
	)
)
