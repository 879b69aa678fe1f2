// Package metrics provides Prometheus metrics for the control plane.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cimex"

// Apply outcomes recorded per tunnel.
const (
	ResultApplied = "applied"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Metrics holds every collector the control plane exports. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ReconcileRuns    prometheus.Counter
	TunnelApplies    *prometheus.CounterVec
	AgentRequests    *prometheus.CounterVec
	AgentLatency     *prometheus.HistogramVec
	RelayRunning     prometheus.Gauge
	NodeConnStatus   *prometheus.GaugeVec
	Registrations    *prometheus.CounterVec
	StaleNodesMarked prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the metrics instance registered with the default registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ReconcileRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Total reconciliation passes over active tunnels",
		}),
		TunnelApplies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_apply_total",
			Help:      "Tunnel apply outcomes by engine",
		}, []string{"core", "result"}),
		AgentRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_requests_total",
			Help:      "Requests sent to agents by path and outcome",
		}, []string{"path", "outcome"}),
		AgentLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_request_duration_seconds",
			Help:      "Agent request latency including retries",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"path"}),
		RelayRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_running",
			Help:      "1 when the frps relay process is alive",
		}),
		NodeConnStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_connection_status",
			Help:      "Nodes per reported connection state at the last listing",
		}, []string{"state"}),
		Registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Agent registrations by outcome",
		}, []string{"outcome"}),
		StaleNodesMarked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_nodes_marked_total",
			Help:      "Nodes flipped to inactive by the stale sweep",
		}),
	}
}

func (m *Metrics) RecordReconcileRun() {
	if m == nil {
		return
	}
	m.ReconcileRuns.Inc()
}

func (m *Metrics) RecordTunnelApply(core, result string) {
	if m == nil {
		return
	}
	m.TunnelApplies.WithLabelValues(core, result).Inc()
}

// RecordAgentRequest counts one logical agent call. path is "direct" or
// "relay".
func (m *Metrics) RecordAgentRequest(path, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.AgentRequests.WithLabelValues(path, outcome).Inc()
	m.AgentLatency.WithLabelValues(path).Observe(seconds)
}

func (m *Metrics) SetRelayRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.RelayRunning.Set(1)
	} else {
		m.RelayRunning.Set(0)
	}
}

// SetNodeConnectionStates replaces the per-state node counts. States absent
// from counts are reset to zero.
func (m *Metrics) SetNodeConnectionStates(all []string, counts map[string]int) {
	if m == nil {
		return
	}
	for _, s := range all {
		m.NodeConnStatus.WithLabelValues(s).Set(float64(counts[s]))
	}
}

func (m *Metrics) RecordRegistration(outcome string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordStaleNodes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.StaleNodesMarked.Add(float64(n))
}
