package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsSubmitted counts NWM_MAAS_REQUEST submissions accepted by the Job Manager.
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reactorcide_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
		[]string{"model"},
	)

	// JobsClosed counts jobs reaching a terminal phase (CLOSED/FAILED).
	JobsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reactorcide_jobs_closed_total",
			Help: "Total number of jobs reaching a terminal phase",
		},
		[]string{"model", "phase"},
	)

	// JobDuration observes time from CREATED to a terminal phase.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reactorcide_job_duration_seconds",
			Help:    "Time from job creation to a terminal phase",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1s to ~4.5 hours
		},
		[]string{"model", "phase"},
	)

	// JobRestarts counts automatic and requested restarts of a job's tasks.
	JobRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reactorcide_job_restarts_total",
			Help: "Total number of job restarts, requested or automatic",
		},
		[]string{"model", "reason"},
	)

	// JobsActive gauges the number of jobs currently in a non-terminal phase.
	JobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reactorcide_jobs_active",
			Help: "Current number of jobs not yet in a terminal phase",
		},
		[]string{"phase"},
	)

	// ResourceCPUsAllocated gauges allocated CPUs per resource pool node.
	ResourceCPUsAllocated = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reactorcide_resource_cpus_allocated",
			Help: "Currently allocated CPUs per resource pool node",
		},
		[]string{"node"},
	)

	// ResourceMemoryAllocated gauges allocated memory (bytes) per resource pool node.
	ResourceMemoryAllocated = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reactorcide_resource_memory_allocated_bytes",
			Help: "Currently allocated memory in bytes per resource pool node",
		},
		[]string{"node"},
	)

	// SchedulerServiceOps counts Swarm service create/remove calls and their outcomes.
	SchedulerServiceOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reactorcide_scheduler_service_ops_total",
			Help: "Total Swarm service operations performed by the scheduler",
		},
		[]string{"op", "result"},
	)

	// WebsocketConnections gauges the number of connected Request Handler clients.
	WebsocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reactorcide_websocket_connections",
			Help: "Current number of connected Request Handler clients",
		},
	)

	// WebsocketMessages counts inbound websocket messages by resolved event type.
	WebsocketMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reactorcide_websocket_messages_total",
			Help: "Total inbound websocket messages by event type",
		},
		[]string{"event", "success"},
	)

	// SchedulerClientRequests counts outbound Scheduler Client RPCs by action.
	SchedulerClientRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reactorcide_scheduler_client_requests_total",
			Help: "Total Scheduler Client RPC requests by action and result",
		},
		[]string{"action", "result"},
	)
)

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordJobSubmission records a job submission metric.
func RecordJobSubmission(model string) {
	JobsSubmitted.WithLabelValues(model).Inc()
}

// RecordJobClosed records a job reaching a terminal phase and its duration.
func RecordJobClosed(model, phase string, durationSeconds float64) {
	JobsClosed.WithLabelValues(model, phase).Inc()
	JobDuration.WithLabelValues(model, phase).Observe(durationSeconds)
}

// RecordJobRestart records a job restart, requested or automatic.
func RecordJobRestart(model, reason string) {
	JobRestarts.WithLabelValues(model, reason).Inc()
}

// SetJobsActive sets the gauge of active jobs for a given phase.
func SetJobsActive(phase string, count float64) {
	JobsActive.WithLabelValues(phase).Set(count)
}

// SetResourceAllocation sets the allocated CPU/memory gauges for a node.
func SetResourceAllocation(node string, cpus, memoryBytes float64) {
	ResourceCPUsAllocated.WithLabelValues(node).Set(cpus)
	ResourceMemoryAllocated.WithLabelValues(node).Set(memoryBytes)
}

// RecordSchedulerServiceOp records a Swarm service create/remove outcome.
func RecordSchedulerServiceOp(op string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	SchedulerServiceOps.WithLabelValues(op, result).Inc()
}

// RecordWebsocketMessage records an inbound websocket message by event type.
func RecordWebsocketMessage(event string, success bool) {
	result := "false"
	if success {
		result = "true"
	}
	WebsocketMessages.WithLabelValues(event, result).Inc()
}

// RecordSchedulerClientRequest records a Scheduler Client RPC outcome.
func RecordSchedulerClientRequest(action string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	SchedulerClientRequests.WithLabelValues(action, result).Inc()
}
