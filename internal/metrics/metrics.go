// Package metrics exposes the relay's prometheus instrumentation
// (spec.md §4.N / SPEC_FULL §4.N), grounded on the teacher's
// internal/escrow/metrics.go promauto-registration convention.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every counter/gauge the relay exports. A fresh
// Registry with its own prometheus.Registerer is built per test so
// package-level globals never leak state across cases.
type Registry struct {
	GateDecisions      *prometheus.CounterVec
	RateLimitRejected  *prometheus.CounterVec
	DispatchOutcomes   *prometheus.CounterVec
	SessionTerminal    *prometheus.CounterVec
	CapitalFlowOutcome *prometheus.CounterVec

	BusyWorkers       prometheus.Gauge
	ConnectedVessels  prometheus.Gauge
	TaskQueueDepth    *prometheus.GaugeVec
}

// New registers every metric against reg (use prometheus.NewRegistry()
// for tests, prometheus.DefaultRegisterer in production).
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		GateDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_gate_decisions_total",
			Help: "Gate verification outcomes by result.",
		}, []string{"outcome"}),

		RateLimitRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rate_limit_rejections_total",
			Help: "Rate limit rejections by bucket.",
		}, []string{"bucket"}),

		DispatchOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dispatch_outcomes_total",
			Help: "Agent dispatch outcomes by mode and result.",
		}, []string{"mode", "outcome"}),

		SessionTerminal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_session_terminal_total",
			Help: "Agent sessions reaching a terminal state, by status.",
		}, []string{"status"}),

		CapitalFlowOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_capital_flow_outcomes_total",
			Help: "Capital-flow engine outcomes.",
		}, []string{"outcome"}),

		BusyWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_busy_workers",
			Help: "Current count of busy workers.",
		}),

		ConnectedVessels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connected_vessels",
			Help: "Current count of connected vessels.",
		}),

		TaskQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_task_queue_depth",
			Help: "Pending task queue depth per vessel.",
		}, []string{"vessel_id"}),
	}
}

// Gate decision outcome labels.
const (
	OutcomeValid      = "valid"
	OutcomeDenied     = "denied"
	OutcomeFailClosed = "fail_closed"
)

// Capital-flow outcome labels.
const (
	OutcomePartialReturn = "partial_return"
	OutcomeFinalReturn   = "final_return"
	OutcomeStranded      = "stranded"
	OutcomeReleased      = "released"
)
