// Package metrics instruments the orchestration layer with Prometheus
// counters, served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Supervisor lifecycle metrics
	HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tome_health_checks_total",
			Help: "Total number of health probes by service and result",
		},
		[]string{"service", "result"},
	)

	ServiceCrashesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tome_service_crashes_total",
			Help: "Total number of unexpected sidecar exits by service",
		},
		[]string{"service"},
	)

	ServiceStartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tome_service_starts_total",
			Help: "Total number of start attempts by service and outcome",
		},
		[]string{"service", "outcome"}, // spawned, external, failed
	)

	// Streaming relay metrics
	StreamSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tome_stream_sessions_total",
			Help: "Total number of chat stream sessions by final outcome",
		},
		[]string{"outcome"}, // completed, aborted, superseded, timeout, error
	)

	StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tome_stream_events_total",
			Help: "Total number of relayed stream records by type",
		},
		[]string{"type"},
	)

	StreamMalformedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tome_stream_malformed_records_total",
			Help: "Total number of malformed stream records skipped",
		},
	)
)

// RecordHealthCheck records one health probe result.
func RecordHealthCheck(service string, healthy bool) {
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	HealthChecksTotal.WithLabelValues(service, result).Inc()
}

// RecordCrash records an unexpected sidecar exit.
func RecordCrash(service string) {
	ServiceCrashesTotal.WithLabelValues(service).Inc()
}

// RecordStart records the outcome of a start attempt.
func RecordStart(service, outcome string) {
	ServiceStartsTotal.WithLabelValues(service, outcome).Inc()
}

// RecordStreamOutcome records how a stream session ended.
func RecordStreamOutcome(outcome string) {
	StreamSessionsTotal.WithLabelValues(outcome).Inc()
}

// RecordStreamEvent records one relayed record.
func RecordStreamEvent(recordType string) {
	StreamEventsTotal.WithLabelValues(recordType).Inc()
}
