package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
)

// HTTPServerMetrics covers the API process: HTTP traffic, the query
// pipeline and its external dependencies.
type HTTPServerMetrics struct {
	*dependencyMetrics

	registry *prometheus.Registry
	service  string

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	queryTotal        *prometheus.CounterVec
	queryDuration     *prometheus.HistogramVec
	queryConfidence   *prometheus.HistogramVec
	cacheLookupsTotal *prometheus.CounterVec
	cacheInvalidated  prometheus.Counter
	pathFailuresTotal *prometheus.CounterVec
	judgeTotal        *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guidance",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "guidance",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "guidance",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	queryTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guidance",
			Subsystem: "query",
			Name:      "requests_total",
			Help:      "Total guidance queries by route and outcome.",
		},
		[]string{"service", "route", "status"},
	)
	queryDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "guidance",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Guidance query duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		},
		[]string{"service", "route"},
	)
	queryConfidence := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "guidance",
			Subsystem: "query",
			Name:      "confidence",
			Help:      "Distribution of response confidence.",
			Buckets:   []float64{0, 0.25, 0.5, 0.6, 0.7, 0.75, 0.8, 0.9, 1},
		},
		[]string{"service", "route"},
	)
	cacheLookupsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guidance",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Query cache lookups by result.",
		},
		[]string{"service", "result"},
	)
	cacheInvalidated := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "guidance",
			Subsystem: "cache",
			Name:      "invalidated_entries_total",
			Help:      "Query cache entries dropped after corpus updates.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	pathFailuresTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guidance",
			Subsystem: "retrieval",
			Name:      "path_failures_total",
			Help:      "Retrieval path failures by path and reason.",
		},
		[]string{"service", "path", "reason"},
	)
	judgeTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guidance",
			Subsystem: "rerank",
			Name:      "judgements_total",
			Help:      "Relevance judgements by outcome.",
		},
		[]string{"service", "status"},
	)

	deps := newDependencyMetrics(service)
	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		queryTotal,
		queryDuration,
		queryConfidence,
		cacheLookupsTotal,
		cacheInvalidated,
		pathFailuresTotal,
		judgeTotal,
	)
	deps.register(registry)

	return &HTTPServerMetrics{
		dependencyMetrics: deps,
		registry:          registry,
		service:           service,
		requestTotal:      requestTotal,
		requestDuration:   requestDuration,
		requestInFlight:   requestInFlight,
		queryTotal:        queryTotal,
		queryDuration:     queryDuration,
		queryConfidence:   queryConfidence,
		cacheLookupsTotal: cacheLookupsTotal,
		cacheInvalidated:  cacheInvalidated,
		pathFailuresTotal: pathFailuresTotal,
		judgeTotal:        judgeTotal,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			m.service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(m.service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/documents/") && strings.HasSuffix(path, "/current"):
		return "/v1/documents/{id}/current"
	case strings.HasPrefix(path, "/v1/documents/") && strings.HasSuffix(path, "/supersede"):
		return "/v1/documents/{id}/supersede"
	case strings.HasPrefix(path, "/v1/documents/"):
		return "/v1/documents/{id}"
	default:
		return path
	}
}

func (m *HTTPServerMetrics) ObserveQuery(route domain.Route, status string, confidence float64, duration time.Duration) {
	r := string(route)
	if r == "" {
		r = "none"
	}
	m.queryTotal.WithLabelValues(m.service, r, status).Inc()
	m.queryDuration.WithLabelValues(m.service, r).Observe(duration.Seconds())
	if status == "ok" || status == "degraded" || status == "cached" {
		m.queryConfidence.WithLabelValues(m.service, r).Observe(confidence)
	}
}

func (m *HTTPServerMetrics) ObserveCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookupsTotal.WithLabelValues(m.service, result).Inc()
}

func (m *HTTPServerMetrics) ObserveCacheInvalidation(removed int) {
	if removed > 0 {
		m.cacheInvalidated.Add(float64(removed))
	}
}

func (m *HTTPServerMetrics) ObservePathFailure(path string, err error) {
	m.pathFailuresTotal.WithLabelValues(m.service, path, failureReason(err)).Inc()
}

func (m *HTTPServerMetrics) ObserveJudge(status string) {
	if status == "" {
		status = "unknown"
	}
	m.judgeTotal.WithLabelValues(m.service, status).Inc()
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case domain.IsKind(err, domain.ErrPathTimeout):
		return "timeout"
	case domain.IsKind(err, domain.ErrTemporary):
		return "unavailable"
	case domain.IsKind(err, domain.ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
