package metrics

import "github.com/prometheus/client_golang/prometheus"

// dependencyMetrics implements resilience.Observer for both processes.
type dependencyMetrics struct {
	retriesTotal *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	service      string
}

func newDependencyMetrics(service string) *dependencyMetrics {
	return &dependencyMetrics{
		service: service,
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "guidance",
				Subsystem: "dependency",
				Name:      "retries_total",
				Help:      "Retried calls to external dependencies by operation.",
			},
			[]string{"service", "operation"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "guidance",
				Subsystem: "dependency",
				Name:      "breaker_open",
				Help:      "1 while the circuit breaker of an operation is open, 0.5 half-open, 0 closed.",
			},
			[]string{"service", "operation"},
		),
	}
}

func (m *dependencyMetrics) register(registry *prometheus.Registry) {
	registry.MustRegister(m.retriesTotal, m.breakerState)
}

func (m *dependencyMetrics) ObserveRetry(operation string) {
	m.retriesTotal.WithLabelValues(m.service, operation).Inc()
}

func (m *dependencyMetrics) ObserveBreakerState(operation string, state string) {
	value := 0.0
	switch state {
	case "open":
		value = 1
	case "half-open":
		value = 0.5
	}
	m.breakerState.WithLabelValues(m.service, operation).Set(value)
}
