// Package metrics holds the Prometheus collectors for the enforcement engine
// and the control plane. Hot-path counters are resolved to label children at
// construction so incrementing them never allocates.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Decision outcomes used as the "outcome" label.
const (
	OutcomeAdmit  = "admit"
	OutcomeDeny   = "deny"
	OutcomeRetry  = "retry"
	OutcomeEscrow = "escrow"
)

// Metrics holds all collectors.
type Metrics struct {
	Decisions       *prometheus.CounterVec
	StoreFailures   *prometheus.CounterVec
	Lifecycle       *prometheus.CounterVec
	EscrowResolved  *prometheus.CounterVec
	EscrowPending   prometheus.Gauge
	ResolveDuration prometheus.Histogram
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocx_enforcement_decisions_total",
				Help: "Socket actions decided by the enforcement hooks",
			},
			[]string{"op", "outcome"},
		),
		StoreFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocx_state_store_update_failures_total",
				Help: "Map updates rejected by the state store (capacity exhausted)",
			},
			[]string{"map"},
		),
		Lifecycle: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocx_identity_lifecycle_total",
				Help: "Identity propagation hook invocations that touched the identity map",
			},
			[]string{"kind"},
		),
		EscrowResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocx_escrow_resolved_total",
				Help: "Escrow requests resolved by the Tri-Factor Gate",
			},
			[]string{"outcome"}, // allow, block, review
		),
		EscrowPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ocx_escrow_pending",
				Help: "Escrow requests parked for human review",
			},
		),
		ResolveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ocx_escrow_resolve_duration_seconds",
				Help:    "Time spent validating one escrow request",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Decisions, m.StoreFailures, m.Lifecycle, m.EscrowResolved, m.EscrowPending, m.ResolveDuration)
	}
	return m
}

// RegisterRingDrops exposes a ring's drop counter as a counter func.
func RegisterRingDrops(reg prometheus.Registerer, channel string, dropped func() uint64) {
	if reg == nil {
		return
	}
	reg.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name:        "ocx_channel_dropped_total",
			Help:        "Events dropped because an outbound channel was full",
			ConstLabels: prometheus.Labels{"channel": channel},
		},
		func() float64 { return float64(dropped()) },
	))
}
