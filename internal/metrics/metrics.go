package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// Query metrics
	QueriesTotal     *prometheus.CounterVec
	QueryDuration    *prometheus.HistogramVec
	QueryErrorsTotal *prometheus.CounterVec
	QueriesDegraded  prometheus.Counter
	QueriesRunning   prometheus.GaugeFunc
	ToolCallsTotal   *prometheus.CounterVec

	// Session metrics
	SessionsTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics. runningFn reports the
// number of queries currently executing.
func NewMetrics(runningFn func() float64) *Metrics {
	registry := prometheus.NewRegistry()

	if runningFn == nil {
		runningFn = func() float64 { return 0 }
	}

	m := &Metrics{
		registry: registry,

		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_queries_total",
				Help: "Total number of executed queries",
			},
			[]string{"agent_type", "status"},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentd_query_duration_seconds",
				Help:    "Duration of query execution in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent_type"},
		),
		QueryErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_query_errors_total",
				Help: "Total number of query errors",
			},
			[]string{"error_code"},
		),
		QueriesDegraded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentd_queries_degraded_total",
				Help: "Total number of queries answered without retrieval context",
			},
		),
		QueriesRunning: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "agentd_queries_running",
				Help: "Number of queries currently executing",
			},
			runningFn,
		),
		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_tool_calls_total",
				Help: "Total number of tool calls made by agents",
			},
			[]string{"tool_name"},
		),

		SessionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentd_sessions_total",
				Help: "Total number of sessions created",
			},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.QueriesTotal)
	m.registry.MustRegister(m.QueryDuration)
	m.registry.MustRegister(m.QueryErrorsTotal)
	m.registry.MustRegister(m.QueriesDegraded)
	m.registry.MustRegister(m.QueriesRunning)
	m.registry.MustRegister(m.ToolCallsTotal)
	m.registry.MustRegister(m.SessionsTotal)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
