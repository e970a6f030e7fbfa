// Package observability provides the modswap metrics suite and logger
// construction.
//
// Metrics are registered on a Prometheus registry and exported over
// /metrics by the API server. Logging is structured slog; the JSON
// handler is used in production, text in dev.
package observability

import (
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all modswap metrics.
type Metrics struct {
	Registry *prometheus.Registry

	// Broker
	MessagesPublished *prometheus.CounterVec // topic
	DeliveryAttempts  prometheus.Counter
	DeliverySuccess   prometheus.Counter
	DeliveryFailures  prometheus.Counter
	DuplicatesDropped prometheus.Counter
	DLQMessages       *prometheus.CounterVec // topic
	DLQReplays        prometheus.Counter
	AckTimeouts       prometheus.Counter
	QueueDepth        prometheus.Gauge
	BrokerHealth      prometheus.Gauge // 0 unknown, 1 healthy, 2 degraded, 3 unhealthy

	// Deployment pipeline
	DeploymentsTotal  *prometheus.CounterVec // strategy, status
	NodesDeployed     prometheus.Counter
	NodesFailed       prometheus.Counter
	RollbacksTotal    prometheus.Counter
	PipelineStageTime *prometheus.HistogramVec // stage
	StabilizationTime prometheus.Histogram
	ActiveDeployments prometheus.Gauge

	// Schema registry
	SchemasRegistered prometheus.Counter
	BreakingChanges   prometheus.Counter
}

// NewMetrics creates and registers the modswap metrics suite on a
// fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modswap_messages_published_total",
			Help: "Messages published, by topic.",
		}, []string{"topic"}),
		DeliveryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modswap_delivery_attempts_total",
			Help: "Individual delivery attempts including retries.",
		}),
		DeliverySuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modswap_delivery_success_total",
			Help: "Messages successfully delivered.",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modswap_delivery_failures_total",
			Help: "Delivery calls that exhausted retries.",
		}),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modswap_duplicates_dropped_total",
			Help: "Deliveries suppressed by the idempotency store.",
		}),
		DLQMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modswap_dlq_messages_total",
			Help: "Messages moved to a dead-letter topic, by original topic.",
		}, []string{"topic"}),
		DLQReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modswap_dlq_replays_total",
			Help: "Messages replayed from a dead-letter topic.",
		}),
		AckTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modswap_ack_timeouts_total",
			Help: "Messages requeued after ack-deadline expiry.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modswap_broker_queue_depth",
			Help: "Current broker queue depth.",
		}),
		BrokerHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modswap_broker_health",
			Help: "Broker health: 0 unknown, 1 healthy, 2 degraded, 3 unhealthy.",
		}),

		DeploymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modswap_deployments_total",
			Help: "Deployment pipeline executions, by strategy and terminal status.",
		}, []string{"strategy", "status"}),
		NodesDeployed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modswap_nodes_deployed_total",
			Help: "Individual node deployments that succeeded.",
		}),
		NodesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modswap_nodes_failed_total",
			Help: "Individual node deployments that failed.",
		}),
		RollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modswap_rollbacks_total",
			Help: "Pipeline executions that ended in rollback.",
		}),
		PipelineStageTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modswap_pipeline_stage_seconds",
			Help:    "Pipeline stage durations.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		}, []string{"stage"}),
		StabilizationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "modswap_stabilization_seconds",
			Help:    "Time spent waiting for resource stabilization.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800},
		}),
		ActiveDeployments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modswap_active_deployments",
			Help: "Pipelines currently running.",
		}),

		SchemasRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modswap_schemas_registered_total",
			Help: "Schemas registered.",
		}),
		BreakingChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modswap_schema_breaking_changes_total",
			Help: "Breaking changes detected by compatibility checks.",
		}),
	}

	reg.MustRegister(
		m.MessagesPublished, m.DeliveryAttempts, m.DeliverySuccess,
		m.DeliveryFailures, m.DuplicatesDropped, m.DLQMessages, m.DLQReplays,
		m.AckTimeouts, m.QueueDepth, m.BrokerHealth,
		m.DeploymentsTotal, m.NodesDeployed, m.NodesFailed, m.RollbacksTotal,
		m.PipelineStageTime, m.StabilizationTime, m.ActiveDeployments,
		m.SchemasRegistered, m.BreakingChanges,
	)
	return m
}

// HealthGaugeValue maps a broker health status string to the gauge
// encoding used by modswap_broker_health.
func HealthGaugeValue(status string) float64 {
	switch status {
	case "healthy":
		return 1
	case "degraded":
		return 2
	case "unhealthy":
		return 3
	default:
		return 0
	}
}

// NewLogger builds the process logger. format is "json" or "text";
// level is "debug", "info", "warn", or "error".
func NewLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
