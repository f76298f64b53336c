// Package metrics holds the pipeline's Prometheus instruments. A Metrics
// value is built once from an injected registerer and passed to components at
// construction; nothing registers against the global default registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the full observability surface of one pipeline process.
type Metrics struct {
	// Raw input accepted from sources, counted once per dispatch.
	ConsumerBytes   prometheus.Counter
	ConsumerObjects prometheus.Counter

	// Bytes fed to plugin transforms, and per-worker call latency.
	GuestBytes   prometheus.Counter
	GuestSeconds *prometheus.HistogramVec

	// Staging store lifecycle.
	WALSealedBytes  prometheus.Counter
	WALSealedFiles  prometheus.Counter
	WALPendingFiles prometheus.Gauge
	WALPendingBytes prometheus.Gauge

	// Final placement.
	SinkBytes             prometheus.Counter
	SinkBytesUncompressed prometheus.Counter
	SinkObjects           prometheus.Counter

	// Payloads enqueued to the sink manager but not yet persisted.
	Inflight prometheus.Gauge
}

// guestLatencyBuckets spans 50µs..1.6s, doubling.
var guestLatencyBuckets = []float64{
	5e-5, 1e-4, 2e-4, 4e-4, 8e-4, 1.6e-3, 3.2e-3, 6.4e-3,
	1.28e-2, 2.56e-2, 5.12e-2, 0.102, 0.204, 0.409, 0.819, 1.638,
}

// New builds and registers the metric set against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConsumerBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tideflow_consumer_bytes_total",
			Help: "Bytes consumed from sources (raw input)",
		}),
		ConsumerObjects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tideflow_consumer_objects_total",
			Help: "Objects consumed from sources (raw input)",
		}),
		GuestBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tideflow_guest_bytes_total",
			Help: "Bytes fed to plugin transforms",
		}),
		GuestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tideflow_guest_seconds",
			Help:    "Plugin transform call latency (sec)",
			Buckets: guestLatencyBuckets,
		}, []string{"worker"}),
		WALSealedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tideflow_wal_sealed_bytes_total",
			Help: "Bytes sealed to staging segments",
		}),
		WALSealedFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tideflow_wal_sealed_files_total",
			Help: "Staging segments sealed",
		}),
		WALPendingFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tideflow_wal_pending_files",
			Help: "Sealed staging segments pending upload",
		}),
		WALPendingBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tideflow_wal_pending_bytes",
			Help: "Approx bytes pending in sealed staging segments",
		}),
		SinkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tideflow_sink_bytes_total",
			Help: "Bytes uploaded to sinks",
		}),
		SinkBytesUncompressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tideflow_sink_bytes_uncompressed_total",
			Help: "Uncompressed bytes uploaded to sinks",
		}),
		SinkObjects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tideflow_sink_objects_total",
			Help: "Objects uploaded to sinks",
		}),
		Inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tideflow_inflight",
			Help: "Payloads enqueued but not yet persisted",
		}),
	}

	reg.MustRegister(
		m.ConsumerBytes, m.ConsumerObjects,
		m.GuestBytes, m.GuestSeconds,
		m.WALSealedBytes, m.WALSealedFiles,
		m.WALPendingFiles, m.WALPendingBytes,
		m.SinkBytes, m.SinkBytesUncompressed, m.SinkObjects,
		m.Inflight,
	)
	return m
}

// NewNop returns a metric set registered against a throwaway registry, for
// tests and tools that do not scrape.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
