// Package metrics holds the Prometheus collectors the bridge exports on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"bridge/apps/bridge/internal/fallback"
)

type Metrics struct {
	Transitions   *prometheus.CounterVec
	Submissions   *prometheus.CounterVec
	QueueDepth    prometheus.Gauge
	RetrySweeps   *prometheus.CounterVec
	StaleRecords  prometheus.Gauge
	OutboxEvents  *prometheus.CounterVec
	FallbackCalls *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "transfer_transitions_total",
			Help:      "Transfer status transitions performed by the engine.",
		}, []string{"from", "to"}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "transfer_submissions_total",
			Help:      "Submission requests by direction and outcome.",
		}, []string{"direction", "outcome"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Name:      "ingest_queue_depth",
			Help:      "Transfer ids waiting for a worker.",
		}),
		RetrySweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "retry_enqueued_total",
			Help:      "Transfers re-enqueued by the retry scheduler, by status.",
		}, []string{"status"}),
		StaleRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Name:      "stale_transfers",
			Help:      "Non-terminal transfers past the retry window at the last sweep.",
		}),
		OutboxEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "outbox_events_total",
			Help:      "Outbox events handed to Kafka, by delivery result.",
		}, []string{"result"}),
		FallbackCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "fallback_executions_total",
			Help:      "Registry executions by operation, path and result.",
		}, []string{"operation", "path", "result"}),
	}

	reg.MustRegister(
		m.Transitions,
		m.Submissions,
		m.QueueDepth,
		m.RetrySweeps,
		m.StaleRecords,
		m.OutboxEvents,
		m.FallbackCalls,
	)
	return m
}

// NewNop returns collectors on a private registry, for tests and tools.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// RecordOutcome is a fallback.Registry observer.
func (m *Metrics) RecordOutcome(o fallback.Outcome) {
	result := "success"
	if !o.Success {
		result = "failure"
	}
	m.FallbackCalls.WithLabelValues(o.Operation, o.Path, result).Inc()
}
