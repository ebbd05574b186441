// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Store metrics
	EntityUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entity_upserts_total",
			Help: "Total entity upserts by entity type and outcome",
		},
		[]string{"type", "status"}, // status: inserted, updated, error
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	ExportedEntities = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "export_entities_total",
			Help: "Total entities written to NDJSON export streams",
		},
	)

	// Ingestion metrics
	IngestRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_runs_total",
			Help: "Total ingestion runs by source and outcome",
		},
		[]string{"source", "outcome"}, // outcome: success, failure
	)

	IngestEntities = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_entities_total",
			Help: "Total entities upserted by ingestion runs",
		},
		[]string{"source"},
	)

	IngestRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_run_duration_seconds",
			Help:    "Duration of ingestion runs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"source"},
	)

	IngestWatermark = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_watermark_timestamp_seconds",
			Help: "Per-source ingestion watermark as a Unix timestamp",
		},
		[]string{"source"},
	)

	EnrichmentLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_lookups_total",
			Help: "Location enrichment lookups by outcome",
		},
		[]string{"outcome"}, // outcome: hit, miss, native, error
	)

	// Detection metrics
	DetectionRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detection_runs_total",
			Help: "Total place detection runs by outcome",
		},
		[]string{"outcome"},
	)

	DetectedPlaces = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "detected_places",
			Help: "Number of significant places found by the last detection run",
		},
	)

	DetectedVisits = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "detected_visits",
			Help: "Number of visits found by the last detection run",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Auth metrics
	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auth_failures_total",
			Help: "Total rejected requests on the authenticated API surface",
		},
	)
)

// RecordHTTPRequest records one completed HTTP request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	s := strconv.Itoa(status)
	HTTPRequestDuration.WithLabelValues(method, path, s).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, s).Inc()
}

// RecordQuery records one store query by logical operation name.
func RecordQuery(operation string, duration time.Duration) {
	QueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
