// Package observability exposes Prometheus metrics for the query, tool, and
// broker paths.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the server records into.
type Metrics struct {
	registry *prometheus.Registry

	QueriesTotal    *prometheus.CounterVec
	QueryDuration   prometheus.Histogram
	ToolCallsTotal  *prometheus.CounterVec
	ToolDuration    *prometheus.HistogramVec
	LLMCallsTotal   *prometheus.CounterVec
	LLMTokensTotal  *prometheus.CounterVec
	RegisteredAgents prometheus.Gauge
	PendingTasks     prometheus.Gauge
}

// NewMetrics creates and registers all collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scintilla_queries_total",
			Help: "Total streaming queries, by outcome.",
		}, []string{"outcome"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scintilla_query_duration_seconds",
			Help:    "End-to-end query duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scintilla_tool_calls_total",
			Help: "Total tool executions, by transport and outcome.",
		}, []string{"transport", "outcome"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scintilla_tool_call_duration_seconds",
			Help:    "Tool execution duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"transport"}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scintilla_llm_calls_total",
			Help: "Total LLM invocations, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		LLMTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scintilla_llm_tokens_total",
			Help: "Total LLM tokens consumed, by provider.",
		}, []string{"provider"}),
		RegisteredAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scintilla_registered_agents",
			Help: "Currently registered local agents.",
		}),
		PendingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scintilla_pending_tasks",
			Help: "Broker tasks waiting for an agent poll.",
		}),
	}

	registry.MustRegister(
		m.QueriesTotal,
		m.QueryDuration,
		m.ToolCallsTotal,
		m.ToolDuration,
		m.LLMCallsTotal,
		m.LLMTokensTotal,
		m.RegisteredAgents,
		m.PendingTasks,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveQuery records one finished query.
func (m *Metrics) ObserveQuery(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(outcome).Inc()
	m.QueryDuration.Observe(duration.Seconds())
}

// ObserveToolCall records one tool execution.
func (m *Metrics) ObserveToolCall(transport, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(transport, outcome).Inc()
	m.ToolDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// ObserveLLMCall records one LLM invocation.
func (m *Metrics) ObserveLLMCall(provider, outcome string, tokens int) {
	if m == nil {
		return
	}
	m.LLMCallsTotal.WithLabelValues(provider, outcome).Inc()
	if tokens > 0 {
		m.LLMTokensTotal.WithLabelValues(provider).Add(float64(tokens))
	}
}

// SetBrokerState updates the broker gauges from a status snapshot.
func (m *Metrics) SetBrokerState(registeredAgents, pendingTasks int) {
	if m == nil {
		return
	}
	m.RegisteredAgents.Set(float64(registeredAgents))
	m.PendingTasks.Set(float64(pendingTasks))
}
