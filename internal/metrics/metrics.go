// Package metrics provides Prometheus metrics for the traffic monitor.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Counter metrics, scraped from CounterStore snapshots.
	TrafficBits = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "netmeter",
		Subsystem: "traffic",
		Name:      "bits",
		Help:      "Current estimated bits per source and direction.",
	}, []string{"source", "direction"}) // direction: "sent" or "received"
	TrafficPackets = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "netmeter",
		Subsystem: "traffic",
		Name:      "packets",
		Help:      "Current packet count per source.",
	}, []string{"source"})
	HistoryLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "netmeter",
		Subsystem: "traffic",
		Name:      "history_length",
		Help:      "Number of retained history snapshots.",
	})
	RateRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "netmeter",
		Subsystem: "traffic",
		Name:      "rate_rejected_total",
		Help:      "Speed readings dropped as non-finite or above the ceiling.",
	})
	ObservedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netmeter",
		Subsystem: "traffic",
		Name:      "events_total",
		Help:      "Observed network events by kind.",
	}, []string{"kind"}) // "request", "response" or "completed"

	// Monitor lifecycle metrics.
	MonitoringEnabled = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "netmeter",
		Subsystem: "monitor",
		Name:      "enabled",
		Help:      "Whether monitoring is on (1) or off (0).",
	})
	TickFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netmeter",
		Subsystem: "monitor",
		Name:      "tick_failures_total",
		Help:      "Failed task ticks by task name.",
	}, []string{"task"})
	Recoveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netmeter",
		Subsystem: "monitor",
		Name:      "recoveries_total",
		Help:      "Recovery actions by kind.",
	}, []string{"action"}) // "restart", "reset" or "force_stop"
	PersistErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "netmeter",
		Subsystem: "monitor",
		Name:      "persist_errors_total",
		Help:      "Total number of failed state saves.",
	})

	// Messaging metrics.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netmeter",
		Subsystem: "protocol",
		Name:      "messages_total",
		Help:      "Handled protocol messages by action.",
	}, []string{"action"})
	MessagesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netmeter",
		Subsystem: "protocol",
		Name:      "rejected_total",
		Help:      "Rejected protocol messages by reason.",
	}, []string{"reason"})
	WidgetSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "netmeter",
		Subsystem: "broadcast",
		Name:      "subscribers",
		Help:      "Number of connected widget subscribers.",
	})
)

func init() {
	prometheus.MustRegister(
		TrafficBits,
		TrafficPackets,
		HistoryLength,
		RateRejected,
		ObservedEvents,

		MonitoringEnabled,
		TickFailures,
		Recoveries,
		PersistErrors,

		MessagesTotal,
		MessagesRejected,
		WidgetSubscribers,
	)
}
