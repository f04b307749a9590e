// Package metrics declares the gateway's Prometheus metrics, grouped
// by subsystem, and exposes them on /metrics. Grounded on the
// container-orchestrator example's metrics package: package-level
// GaugeVec/CounterVec/HistogramVec values registered once in init,
// with a thin Handler() wrapper around promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Command queue metrics.
	CommandQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_command_queue_depth",
			Help: "Number of commands currently in PENDING or PROCESSING status",
		},
		[]string{"status"},
	)

	CommandsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_commands_enqueued_total",
			Help: "Total number of commands enqueued, by command type",
		},
		[]string{"command_type"},
	)

	CommandsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_commands_resolved_total",
			Help: "Total number of commands reaching a terminal status, by status",
		},
		[]string{"status"},
	)

	CommandsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_commands_reaped_total",
			Help: "Total number of commands transitioned to FAILED by the reaper",
		},
	)

	// Pump/reaper/scheduler tick counters.
	PumpTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_pump_ticks_total",
			Help: "Total number of Publisher Pump cycles run",
		},
	)

	ReaperTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_reaper_ticks_total",
			Help: "Total number of Reaper cycles run",
		},
	)

	SchedulerTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_scheduler_ticks_total",
			Help: "Total number of Scheduler cycles run",
		},
	)

	SchedulesFiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_schedules_fired_total",
			Help: "Total number of ScheduledCommand rows materialized into Commands",
		},
	)

	// Publish metrics.
	PublishAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_mqtt_publish_attempts_total",
			Help: "Total number of MQTT publish attempts, by outcome",
		},
		[]string{"outcome"},
	)

	// Inbound message metrics.
	InboundMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_mqtt_inbound_messages_total",
			Help: "Total number of inbound MQTT messages, by topic suffix",
		},
		[]string{"suffix"},
	)

	InboundDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_mqtt_inbound_dropped_total",
			Help: "Total number of inbound MQTT messages dropped, by reason",
		},
		[]string{"reason"},
	)

	// Ingress API metrics.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_api_requests_total",
			Help: "Total number of Ingress API requests, by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_api_request_duration_seconds",
			Help:    "Ingress API request duration in seconds, by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		CommandQueueDepth,
		CommandsEnqueuedTotal,
		CommandsResolvedTotal,
		CommandsReapedTotal,
		PumpTicksTotal,
		ReaperTicksTotal,
		SchedulerTicksTotal,
		SchedulesFiredTotal,
		PublishAttemptsTotal,
		InboundMessagesTotal,
		InboundDroppedTotal,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus exposition HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
