// Package metrics exposes the engine's Prometheus instrumentation.
//
// A Metrics value owns its collectors; construct one per process with
// New (default registry) or NewWith (custom registry, used by tests to
// avoid duplicate registration).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's collectors.
type Metrics struct {
	runsTotal      *prometheus.CounterVec
	runsActive     prometheus.Gauge
	nodeDuration   *prometheus.HistogramVec
	nodeRetries    *prometheus.CounterVec
	breakerChanges *prometheus.CounterVec
	deadLetters    prometheus.Counter
	compensations  prometheus.Counter
	tokensTotal    *prometheus.CounterVec
	costTotal      prometheus.Counter
}

// New registers collectors on the default Prometheus registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers collectors on reg.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duraflow_runs_total",
			Help: "Workflow runs by workflow and terminal status.",
		}, []string{"workflow", "status"}),
		runsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duraflow_runs_active",
			Help: "Workflow runs currently executing.",
		}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "duraflow_node_duration_seconds",
			Help:    "Node execution duration by workflow and node.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow", "node"}),
		nodeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duraflow_node_retries_total",
			Help: "Retry attempts by workflow and node.",
		}, []string{"workflow", "node"}),
		breakerChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duraflow_breaker_transitions_total",
			Help: "Circuit breaker state transitions by node and new state.",
		}, []string{"node", "to"}),
		deadLetters: factory.NewCounter(prometheus.CounterOpts{
			Name: "duraflow_dead_letters_total",
			Help: "Node executions sent to the dead letter queue.",
		}),
		compensations: factory.NewCounter(prometheus.CounterOpts{
			Name: "duraflow_compensations_total",
			Help: "Compensating actions executed during rollback.",
		}),
		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duraflow_model_tokens_total",
			Help: "Model tokens consumed by direction (in, out).",
		}, []string{"workflow", "direction"}),
		costTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "duraflow_model_cost_usd_total",
			Help: "Accumulated model cost in US dollars.",
		}),
	}
}

// RunStarted increments the active-runs gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

// RunFinished records a terminal status and decrements the gauge.
func (m *Metrics) RunFinished(workflow, status string) {
	if m == nil {
		return
	}
	m.runsActive.Dec()
	m.runsTotal.WithLabelValues(workflow, status).Inc()
}

// NodeExecuted observes one node execution's duration.
func (m *Metrics) NodeExecuted(workflow, node string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeDuration.WithLabelValues(workflow, node).Observe(d.Seconds())
}

// NodeRetried counts one retry attempt.
func (m *Metrics) NodeRetried(workflow, node string) {
	if m == nil {
		return
	}
	m.nodeRetries.WithLabelValues(workflow, node).Inc()
}

// BreakerTransition counts one breaker state change.
func (m *Metrics) BreakerTransition(node, to string) {
	if m == nil {
		return
	}
	m.breakerChanges.WithLabelValues(node, to).Inc()
}

// DeadLettered counts one DLQ enqueue.
func (m *Metrics) DeadLettered() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

// Compensated counts one executed compensation.
func (m *Metrics) Compensated() {
	if m == nil {
		return
	}
	m.compensations.Inc()
}

// ModelUsage accumulates token and cost counters.
func (m *Metrics) ModelUsage(workflow string, tokensIn, tokensOut int, costUSD float64) {
	if m == nil {
		return
	}
	if tokensIn > 0 {
		m.tokensTotal.WithLabelValues(workflow, "in").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		m.tokensTotal.WithLabelValues(workflow, "out").Add(float64(tokensOut))
	}
	if costUSD > 0 {
		m.costTotal.Add(costUSD)
	}
}
