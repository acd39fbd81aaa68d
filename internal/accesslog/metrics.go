package accesslog

import "github.com/prometheus/client_golang/prometheus"

var (
	recordsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cilium",
		Subsystem: "accesslog",
		Name:      "records_sent_total",
		Help:      "Access log records written to the collector socket by entry type.",
	}, []string{"entry_type"})

	recordsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cilium",
		Subsystem: "accesslog",
		Name:      "records_dropped_total",
		Help:      "Access log records dropped by reason.",
	}, []string{"reason"}) // "queue_full", "closed", "encode_failed", "too_large", "write_failed"

	recordsTrimmed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cilium",
		Subsystem: "accesslog",
		Name:      "records_trimmed_total",
		Help:      "Oversized access log records sent without their header lists.",
	})

	recordsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cilium",
		Subsystem: "accesslog",
		Name:      "records_received_total",
		Help:      "Access log records decoded by the collector by entry type.",
	}, []string{"entry_type"})

	sinkReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cilium",
		Subsystem: "accesslog",
		Name:      "sink_reconnects_total",
		Help:      "Times the sink reconnected to the collector.",
	})

	collectorDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cilium",
		Subsystem: "accesslog",
		Name:      "collector_dropped_total",
		Help:      "Records the collector dropped because its buffer was full.",
	})
)

func init() {
	prometheus.MustRegister(
		recordsSent,
		recordsDropped,
		recordsTrimmed,
		recordsReceived,
		sinkReconnects,
		collectorDropped,
	)
}
