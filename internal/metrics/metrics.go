// Package metrics exposes the orchestrator's Prometheus instruments.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "console_agent"

type Metrics struct {
	registry *prometheus.Registry

	turns            *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
	nodeExecutions   *prometheus.CounterVec
	toolCalls        *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	routingDecisions *prometheus.CounterVec
	cleanupRemoved   prometheus.Counter
}

// New creates the instruments on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Chat turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a chat turn.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"outcome"}),
		nodeExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Graph node executions by node.",
		}, []string{"node"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and status.",
		}, []string{"tool", "status"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		routingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Supervisor routing decisions by target.",
		}, []string{"target"}),
		cleanupRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_sessions_removed_total",
			Help:      "Soft-deleted sessions purged by retention cleanup.",
		}),
	}

	reg.MustRegister(
		m.turns,
		m.turnDuration,
		m.nodeExecutions,
		m.toolCalls,
		m.toolDuration,
		m.routingDecisions,
		m.cleanupRemoved,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TurnFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) NodeExecuted(node string) {
	if m == nil {
		return
	}
	m.nodeExecutions.WithLabelValues(node).Inc()
}

func (m *Metrics) ToolCalled(tool, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

func (m *Metrics) RoutingDecided(target string) {
	if m == nil {
		return
	}
	m.routingDecisions.WithLabelValues(target).Inc()
}

func (m *Metrics) SessionsCleaned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cleanupRemoved.Add(float64(n))
}
