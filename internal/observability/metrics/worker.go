package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type WorkerMetrics struct {
	*dependencyMetrics

	registry *prometheus.Registry
	service  string

	ingestTotal    *prometheus.CounterVec
	ingestDuration *prometheus.HistogramVec
	ingestInFlight prometheus.Gauge
	chunksIndexed  prometheus.Counter
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	ingestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guidance",
			Subsystem: "worker",
			Name:      "ingest_total",
			Help:      "Total ingestion payloads by status.",
		},
		[]string{"service", "status"},
	)
	ingestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "guidance",
			Subsystem: "worker",
			Name:      "ingest_duration_seconds",
			Help:      "Ingestion duration in seconds by status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "status"},
	)
	ingestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "guidance",
			Subsystem: "worker",
			Name:      "ingest_in_flight",
			Help:      "Number of in-flight ingestion payloads.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	chunksIndexed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "guidance",
			Subsystem: "worker",
			Name:      "chunks_received_total",
			Help:      "Chunks received in payloads that changed the corpus.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)

	deps := newDependencyMetrics(service)
	registry.MustRegister(ingestTotal, ingestDuration, ingestInFlight, chunksIndexed)
	deps.register(registry)

	return &WorkerMetrics{
		dependencyMetrics: deps,
		registry:          registry,
		service:           service,
		ingestTotal:       ingestTotal,
		ingestDuration:    ingestDuration,
		ingestInFlight:    ingestInFlight,
		chunksIndexed:     chunksIndexed,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartIngest() {
	m.ingestInFlight.Inc()
}

// FinishIngest records one payload. changed is false when the stored
// content hash matched and nothing was written.
func (m *WorkerMetrics) FinishIngest(duration time.Duration, changed bool, chunks int, err error) {
	m.ingestInFlight.Dec()

	status := "unchanged"
	switch {
	case err != nil:
		status = "error"
	case changed:
		status = "indexed"
		m.chunksIndexed.Add(float64(chunks))
	}

	m.ingestTotal.WithLabelValues(m.service, status).Inc()
	m.ingestDuration.WithLabelValues(m.service, status).Observe(duration.Seconds())
}
