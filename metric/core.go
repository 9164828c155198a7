// Package metric provides Prometheus-based metrics collection for TaskWire
// components: the device agent, the orchestrator client, and the transport
// adapters. A MetricsRegistry owns the core protocol metrics and accepts
// component-specific registrations; a small HTTP server exposes the
// /metrics endpoint.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the core protocol metrics shared by all components.
type Metrics struct {
	// Device side
	CommandsReceived *prometheus.CounterVec
	ResultsPublished *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	Announcements    prometheus.Counter

	// Orchestrator side
	InvocationsInFlight prometheus.Gauge
	InvocationDuration  *prometheus.HistogramVec
	OrphanResults       prometheus.Counter
	DevicesOnline       prometheus.Gauge

	// Transport
	TransportConnected  prometheus.Gauge
	TransportReconnects prometheus.Counter
	DeliveryRetries     prometheus.Counter
	DeliveryFailures    prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all core metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		CommandsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskwire",
				Subsystem: "device",
				Name:      "commands_received_total",
				Help:      "Total number of command messages received",
			},
			[]string{"device", "task"},
		),

		ResultsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskwire",
				Subsystem: "device",
				Name:      "results_published_total",
				Help:      "Total number of result messages published",
			},
			[]string{"device", "status", "error_kind"},
		),

		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "taskwire",
				Subsystem: "device",
				Name:      "task_duration_seconds",
				Help:      "Task execution duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"device", "task"},
		),

		Announcements: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "taskwire",
				Subsystem: "device",
				Name:      "announcements_total",
				Help:      "Total number of capability announcements published",
			},
		),

		InvocationsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "taskwire",
				Subsystem: "orchestrator",
				Name:      "invocations_in_flight",
				Help:      "Number of pending invocations awaiting results",
			},
		),

		InvocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "taskwire",
				Subsystem: "orchestrator",
				Name:      "invocation_duration_seconds",
				Help:      "End-to-end invocation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"device", "task", "outcome"},
		),

		OrphanResults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "taskwire",
				Subsystem: "orchestrator",
				Name:      "orphan_results_total",
				Help:      "Results that arrived after their invocation was resolved or timed out",
			},
		),

		DevicesOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "taskwire",
				Subsystem: "orchestrator",
				Name:      "devices_online",
				Help:      "Devices currently known to be online",
			},
		),

		TransportConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "taskwire",
				Subsystem: "transport",
				Name:      "connected",
				Help:      "Transport connection status (1=connected, 0=disconnected)",
			},
		),

		TransportReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "taskwire",
				Subsystem: "transport",
				Name:      "reconnects_total",
				Help:      "Total number of transport reconnections",
			},
		),

		DeliveryRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "taskwire",
				Subsystem: "transport",
				Name:      "delivery_retries_total",
				Help:      "Publish attempts retried under the at-least-once budget",
			},
		),

		DeliveryFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "taskwire",
				Subsystem: "transport",
				Name:      "delivery_failures_total",
				Help:      "Publishes that exhausted the retry budget",
			},
		),
	}
}

// collectors returns every core metric for registration.
func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.CommandsReceived,
		m.ResultsPublished,
		m.TaskDuration,
		m.Announcements,
		m.InvocationsInFlight,
		m.InvocationDuration,
		m.OrphanResults,
		m.DevicesOnline,
		m.TransportConnected,
		m.TransportReconnects,
		m.DeliveryRetries,
		m.DeliveryFailures,
	}
}
