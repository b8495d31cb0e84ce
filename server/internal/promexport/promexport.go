// Package promexport exposes the Management Server's own operational
// health as Prometheus metrics -- distinct from the per-game-server metric
// points RpcHandler writes to the durable store, these describe the control
// plane itself: how many agents are linked and in what state, and how
// operations are flowing through the router. The teacher carried
// prometheus/client_golang in its go.mod without ever importing it anywhere
// in its own source; this package is where that dependency finally earns
// its keep.
package promexport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every collector the Management Server exports.
type Registry struct {
	AgentLinkStatus   *prometheus.GaugeVec
	OperationsTotal   *prometheus.CounterVec
	OperationTimeouts prometheus.Counter
}

// New registers and returns the collector set against prometheus's default
// registry. Call once at startup before mounting promhttp.Handler().
func New() *Registry {
	return &Registry{
		AgentLinkStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fctrl",
			Subsystem: "agentlink",
			Name:      "status",
			Help:      "Current AgentLinkSupervisor status per agent (1 = this status is current, 0 otherwise).",
		}, []string{"agent", "status"}),
		OperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fctrl",
			Subsystem: "operationrouter",
			Name:      "operations_total",
			Help:      "Total operations dispatched, labelled by request kind and terminal outcome.",
		}, []string{"kind", "outcome"}),
		OperationTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "fctrl",
			Subsystem: "operationrouter",
			Name:      "no_ack_timeouts_total",
			Help:      "Total operations that timed out waiting for the agent's first reply frame.",
		}),
	}
}

// SetAgentStatus records the given agent's current link status, zeroing out
// the other two possible statuses so only one gauge reads 1 per agent.
func (r *Registry) SetAgentStatus(agent string, current string) {
	for _, status := range []string{"Connecting", "Connected", "Dead"} {
		value := 0.0
		if status == current {
			value = 1.0
		}
		r.AgentLinkStatus.WithLabelValues(agent, status).Set(value)
	}
}
