// Package metrics exposes the service's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ControllerConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glory_middleware_controller_connections_total",
		Help: "Connections accepted on the controller listener",
	})

	ControllerDocuments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glory_middleware_controller_documents_total",
		Help: "Complete documents framed from the controller stream",
	}, []string{"root"})

	BufferDiscards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glory_middleware_controller_buffer_discards_total",
		Help: "Connection buffers discarded as corrupt",
	}, []string{"reason"})

	ForwardFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glory_middleware_forward_failures_total",
		Help: "Documents that could not be handed to the relay",
	})

	PosSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glory_middleware_pos_sends_total",
		Help: "Outbound POS exchanges by kind and outcome",
	}, []string{"kind", "outcome"})

	JobsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glory_middleware_jobs_queued_total",
		Help: "Retry jobs created for offline terminals",
	})

	JobsReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glory_middleware_jobs_replayed_total",
		Help: "Replay attempts by outcome",
	}, []string{"outcome"})

	CommandsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glory_middleware_commands_created_total",
		Help: "Device commands accepted for execution",
	}, []string{"action"})

	CommandsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glory_middleware_commands_resolved_total",
		Help: "Device commands by final status",
	}, []string{"action", "status"})

	CommandQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glory_middleware_command_queue_depth",
		Help: "Commands waiting for a worker",
	})

	TerminalsConfigured = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glory_middleware_terminals_configured",
		Help: "POS terminals currently in the registry",
	})

	EventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glory_middleware_event_subscribers",
		Help: "Connected command status event subscribers",
	})
)

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
