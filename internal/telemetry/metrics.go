package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RecordsIngested counts FlowRecords delivered to ProfilerQueue by source kind.
	RecordsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowwatch",
			Name:      "records_ingested_total",
			Help:      "Total number of FlowRecords delivered to the profiler queue",
		},
		[]string{"source"},
	)

	// RecordsDropped counts per-line decode failures during ingestion.
	RecordsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowwatch",
			Name:      "records_dropped_total",
			Help:      "Total number of ingestion lines dropped due to decode failure",
		},
		[]string{"source", "reason"},
	)

	// BusMessagesPublished counts EventBus publications by topic.
	BusMessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowwatch",
			Name:      "bus_messages_published_total",
			Help:      "Total number of messages published on the event bus",
		},
		[]string{"topic"},
	)

	// BusMessagesDropped counts EventBus deliveries dropped due to a full subscriber buffer.
	BusMessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowwatch",
			Name:      "bus_messages_dropped_total",
			Help:      "Total number of event bus deliveries dropped because a subscriber buffer was full",
		},
		[]string{"topic"},
	)

	// EvidenceEmitted counts evidence records written by the detector fabric.
	EvidenceEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowwatch",
			Name:      "evidence_emitted_total",
			Help:      "Total number of evidence records persisted by the detector fabric",
		},
		[]string{"detector", "type_evidence"},
	)

	// ExportsAttempted counts AlertExporter dispatches by backend.
	ExportsAttempted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowwatch",
			Name:      "exports_attempted_total",
			Help:      "Total number of alert export attempts",
		},
		[]string{"backend"},
	)

	// ExportErrors counts failed AlertExporter dispatches by backend.
	ExportErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowwatch",
			Name:      "export_errors_total",
			Help:      "Total number of failed alert export attempts",
		},
		[]string{"backend"},
	)

	once sync.Once
)

// InitMetrics registers all metrics with the global Prometheus
// registry. Idempotent and safe to call multiple times.
func InitMetrics() {
	once.Do(func() {
		prometheus.DefaultRegisterer.Register(RecordsIngested)
		prometheus.DefaultRegisterer.Register(RecordsDropped)
		prometheus.DefaultRegisterer.Register(BusMessagesPublished)
		prometheus.DefaultRegisterer.Register(BusMessagesDropped)
		prometheus.DefaultRegisterer.Register(EvidenceEmitted)
		prometheus.DefaultRegisterer.Register(ExportsAttempted)
		prometheus.DefaultRegisterer.Register(ExportErrors)
	})
}
