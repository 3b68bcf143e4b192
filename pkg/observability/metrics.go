package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the plugin host.
type Metrics struct {
	registry *prometheus.Registry

	// Lifecycle metrics
	LifecycleOpsTotal      *prometheus.CounterVec
	ExecutionTimeoutsTotal prometheus.Counter
	PluginsLoaded          prometheus.Gauge

	// Dispatch metrics
	DispatchRequestsTotal   *prometheus.CounterVec
	DispatchRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		LifecycleOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lantern_plugin_lifecycle_ops_total",
				Help: "Total plugin lifecycle operations by operation and result",
			},
			[]string{"op", "result"},
		),
		ExecutionTimeoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lantern_plugin_execution_timeouts_total",
				Help: "Total plugin executions aborted by the time budget",
			},
		),
		PluginsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lantern_plugins_loaded",
				Help: "Number of plugins currently in the registry",
			},
		),
		DispatchRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lantern_plugin_requests_total",
				Help: "Total requests dispatched to plugin routes by plugin and status",
			},
			[]string{"plugin", "status"},
		),
		DispatchRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lantern_plugin_request_duration_seconds",
				Help:    "Plugin route handler duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"plugin"},
		),
	}

	registry.MustRegister(
		m.LifecycleOpsTotal,
		m.ExecutionTimeoutsTotal,
		m.PluginsLoaded,
		m.DispatchRequestsTotal,
		m.DispatchRequestDuration,
	)

	return m
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveLifecycle records a lifecycle operation outcome. Nil-safe so the
// plugin core can run without metrics wired (tests, embedded use).
func (m *Metrics) ObserveLifecycle(op string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.LifecycleOpsTotal.WithLabelValues(op, result).Inc()
}

// ObserveTimeout records an execution-budget abort. Nil-safe.
func (m *Metrics) ObserveTimeout() {
	if m == nil {
		return
	}
	m.ExecutionTimeoutsTotal.Inc()
}

// SetPluginsLoaded updates the registry-size gauge. Nil-safe.
func (m *Metrics) SetPluginsLoaded(n int) {
	if m == nil {
		return
	}
	m.PluginsLoaded.Set(float64(n))
}

// ObserveDispatch records a dispatched plugin request. Nil-safe.
func (m *Metrics) ObserveDispatch(plugin, status string, seconds float64) {
	if m == nil {
		return
	}
	m.DispatchRequestsTotal.WithLabelValues(plugin, status).Inc()
	m.DispatchRequestDuration.WithLabelValues(plugin).Observe(seconds)
}
