// Package metrics defines Prometheus metrics for custodian.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custodian_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodian_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodian_errors_total",
			Help: "Total errors by type",
		},
		[]string{"type"},
	)

	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "custodian_websocket_connections",
			Help: "Active WebSocket connections",
		},
	)

	LedgerAppends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "custodian_ledger_appends_total",
			Help: "Ledger entries committed",
		},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodian_commands_total",
			Help: "Commands by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	IdempotencyOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodian_idempotency_outcomes_total",
			Help: "Idempotency key checks by outcome",
		},
		[]string{"outcome"},
	)

	RoleViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "custodian_role_violations_total",
			Help: "Denied commands recorded as auth.role_violation",
		},
	)

	VerificationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodian_verification_failures_total",
			Help: "Detected chain or anchor corruption by scope",
		},
		[]string{"scope"},
	)

	AnchorsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "custodian_anchors_created_total",
			Help: "Merkle anchors written",
		},
	)

	ExternalAnchors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodian_external_anchors_total",
			Help: "External timestamp submissions by outcome",
		},
		[]string{"outcome"},
	)

	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodian_export_claims_total",
			Help: "Export claim attempts by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	ExportsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodian_exports_finished_total",
			Help: "Export jobs reaching a terminal state",
		},
		[]string{"state"},
	)

	ActiveExports = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "custodian_exports_in_progress",
			Help: "Export jobs being processed by this instance",
		},
	)

	IncidentQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "custodian_incident_queue_depth",
			Help: "Integrity incidents waiting to be written",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestDuration, RequestsTotal, ErrorsTotal, WSConnections,
		LedgerAppends, CommandsTotal, IdempotencyOutcomes, RoleViolations,
		VerificationFailures, AnchorsCreated, ExternalAnchors,
		ClaimsTotal, ExportsFinished, ActiveExports, IncidentQueueDepth,
	)
}
