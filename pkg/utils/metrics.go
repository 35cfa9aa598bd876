package utils

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peercall_active_calls",
		Help: "The number of live call sessions on this endpoint",
	})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercall_sessions_total",
		Help: "The total number of call sessions started, by role",
	}, []string{"role"})

	NegotiationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercall_negotiation_failures_total",
		Help: "Sessions that ended in a failed state, by reason",
	}, []string{"reason"})

	Candidates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercall_candidates_total",
		Help: "Network-path candidates handled, by direction (published, queued, applied, dropped)",
	}, []string{"direction"})

	SignalingOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercall_signaling_ops_total",
		Help: "Signaling channel operations, by operation and result",
	}, []string{"op", "result"})

	FirewallBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peercall_firewall_blocks_total",
		Help: "Total number of control API requests refused by the firewall",
	})
)

// ObserveOp records the outcome of a signaling operation.
func ObserveOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	SignalingOps.WithLabelValues(op, result).Inc()
}
