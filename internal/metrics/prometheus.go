package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromVectors mirrors the spec-mandated minimum metric set
// (messages_{published,received,acknowledged}, stuck_messages_reassigned,
// write counters, write latency) as Prometheus vectors labeled by
// resource name, so the same counts this package tracks in-process can
// also be scraped externally. Grounded on
// procmgr.PrometheusMetricsCollector; unlike that collector this one is
// scoped per-resource rather than per-process.
type PromVectors struct {
	Published  *prometheus.CounterVec
	Received   *prometheus.CounterVec
	Acked      *prometheus.CounterVec
	Reassigned *prometheus.CounterVec
	Writes     *prometheus.CounterVec
	WriteLat   *prometheus.HistogramVec
	Errors     *prometheus.CounterVec

	Registry *prometheus.Registry
}

// NewPromVectors creates a fresh registry and the vector set, all
// labeled by "resource".
func NewPromVectors(namespace string) *PromVectors {
	if namespace == "" {
		namespace = "pipeline"
	}
	reg := prometheus.NewRegistry()
	pv := &PromVectors{Registry: reg}

	pv.Published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "messages_published_total",
		Help: "Total messages published to a topic.",
	}, []string{"resource", "topic"})

	pv.Received = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "messages_received_total",
		Help: "Total messages claimed by a subscriber.",
	}, []string{"resource", "topic", "group"})

	pv.Acked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "messages_acknowledged_total",
		Help: "Total messages acknowledged.",
	}, []string{"resource", "topic", "group"})

	pv.Reassigned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "stuck_messages_reassigned_total",
		Help: "Total stuck-claim reassignments.",
	}, []string{"resource", "topic", "group"})

	pv.Writes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "writes_total",
		Help: "Total database write operations.",
	}, []string{"resource", "op"})

	pv.WriteLat = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "write_duration_seconds",
		Help:    "Write operation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"resource", "op"})

	pv.Errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "errors_total",
		Help: "Total errors recorded, by kind.",
	}, []string{"resource", "kind"})

	reg.MustRegister(pv.Published, pv.Received, pv.Acked, pv.Reassigned, pv.Writes, pv.WriteLat, pv.Errors)
	return pv
}
