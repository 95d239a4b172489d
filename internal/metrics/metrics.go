// Package metrics registers the Prometheus instruments for the control
// center. All instruments are created once at startup and shared.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the control center.
type Metrics struct {
	// HTTP surface
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Issue lifecycle
	StatusTransitions  *prometheus.CounterVec
	TransitionRejected *prometheus.CounterVec
	ActiveIssues       prometheus.Gauge

	// Governance
	PolicyDecisions *prometheus.CounterVec

	// Sync engine
	SyncRuns       *prometheus.CounterVec
	SyncConflicts  *prometheus.CounterVec
	SweepDuration  prometheus.Histogram
	SweepLastIssue prometheus.Gauge

	// Webhook intake
	WebhookDeliveries *prometheus.CounterVec

	// Timeline ingestion
	IngestedNodes *prometheus.CounterVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		HTTPRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "afu9_http_requests_total",
				Help: "Total HTTP requests served",
			},
			[]string{"method", "route", "status"},
		),

		HTTPDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "afu9_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		StatusTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "afu9_status_transitions_total",
				Help: "Issue status transitions applied",
			},
			[]string{"from", "to"},
		),

		TransitionRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "afu9_status_transitions_rejected_total",
				Help: "Issue status transitions refused by the state machine",
			},
			[]string{"reason"},
		),

		ActiveIssues: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "afu9_active_issues",
				Help: "Number of issues currently in ACTIVE status (0 or 1)",
			},
		),

		PolicyDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "afu9_policy_decisions_total",
				Help: "Governance decisions by action type and outcome",
			},
			[]string{"action_type", "decision"},
		),

		SyncRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "afu9_sync_runs_total",
				Help: "Per-issue sync attempts by direction and result",
			},
			[]string{"direction", "result"},
		),

		SyncConflicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "afu9_sync_conflicts_total",
				Help: "Sync conflicts detected, by conflict type",
			},
			[]string{"type"},
		),

		SweepDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "afu9_sync_sweep_duration_seconds",
				Help:    "Wall time of a full sync sweep",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		SweepLastIssue: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "afu9_sync_sweep_issues",
				Help: "Issues visited by the most recent sweep",
			},
		),

		WebhookDeliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "afu9_webhook_deliveries_total",
				Help: "Webhook deliveries by event kind and intake result",
			},
			[]string{"event_kind", "result"},
		),

		IngestedNodes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "afu9_timeline_nodes_ingested_total",
				Help: "Timeline node upserts by node type",
			},
			[]string{"node_type"},
		),
	}
}

// RecordHTTP records one served request.
func (m *Metrics) RecordHTTP(method, route, status string, seconds float64) {
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(seconds)
}

// RecordTransition records an applied status transition.
func (m *Metrics) RecordTransition(from, to string) {
	m.StatusTransitions.WithLabelValues(from, to).Inc()
}

// RecordPolicyDecision records a governance decision.
func (m *Metrics) RecordPolicyDecision(actionType, decision string) {
	m.PolicyDecisions.WithLabelValues(actionType, decision).Inc()
}

// RecordSync records a per-issue sync attempt.
func (m *Metrics) RecordSync(direction, result string) {
	m.SyncRuns.WithLabelValues(direction, result).Inc()
}

// RecordWebhook records an intake outcome.
func (m *Metrics) RecordWebhook(eventKind, result string) {
	m.WebhookDeliveries.WithLabelValues(eventKind, result).Inc()
}
