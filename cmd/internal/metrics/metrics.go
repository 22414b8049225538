// Package metrics holds the Prometheus collectors for session recovery,
// storage tiers and realtime subscriptions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of collectors registered on one registry.
type Metrics struct {
	reg *prometheus.Registry

	// TierOps counts storage tier operations by tier, op and result.
	TierOps *prometheus.CounterVec

	// RestoreTotal counts finished recovery attempts by outcome state.
	RestoreTotal *prometheus.CounterVec

	// StateTransitions counts recovery state machine transitions by target state.
	StateTransitions *prometheus.CounterVec

	// Subscriptions is the number of live realtime channels.
	Subscriptions prometheus.Gauge

	// DuplicateSubscriptions counts subscribe calls that hit an existing key.
	DuplicateSubscriptions prometheus.Counter

	// BroadcastDropped counts broadcasts to keys with no live channel.
	BroadcastDropped prometheus.Counter

	// BreakerState tracks circuit breaker state per component (0=closed, 1=half-open, 2=open).
	BreakerState *prometheus.GaugeVec
}

// New creates a registry with Go and process collectors plus the kb_ collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the kb_ collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		TierOps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kb_storage_tier_ops_total",
				Help: "Storage tier operations by tier, operation and result",
			},
			[]string{"tier", "op", "result"},
		),
		RestoreTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kb_session_restore_total",
				Help: "Session recovery attempts by outcome",
			},
			[]string{"outcome"},
		),
		StateTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kb_session_state_transitions_total",
				Help: "Recovery state machine transitions by target state",
			},
			[]string{"to"},
		),
		Subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "kb_realtime_subscriptions",
			Help: "Live realtime channels",
		}),
		DuplicateSubscriptions: f.NewCounter(prometheus.CounterOpts{
			Name: "kb_realtime_duplicate_subscriptions_total",
			Help: "Subscribe calls for a key that already had a live channel",
		}),
		BroadcastDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "kb_realtime_broadcast_dropped_total",
			Help: "Broadcasts to a key with no live channel",
		}),
		BreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kb_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"component"},
		),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// TierOp implements storage.Recorder.
func (m *Metrics) TierOp(tier, op, result string) {
	m.TierOps.WithLabelValues(tier, op, result).Inc()
}

// Transition counts a recovery state transition.
func (m *Metrics) Transition(to string) {
	m.StateTransitions.WithLabelValues(to).Inc()
}

// Restore counts a finished recovery attempt.
func (m *Metrics) Restore(outcome string) {
	m.RestoreTotal.WithLabelValues(outcome).Inc()
}

// SubscriptionOpened implements the realtime registry observer.
func (m *Metrics) SubscriptionOpened() { m.Subscriptions.Inc() }

// SubscriptionClosed implements the realtime registry observer.
func (m *Metrics) SubscriptionClosed() { m.Subscriptions.Dec() }

// DuplicateSubscription implements the realtime registry observer.
func (m *Metrics) DuplicateSubscription() { m.DuplicateSubscriptions.Inc() }

// BroadcastNotFound implements the realtime registry observer.
func (m *Metrics) BroadcastNotFound() { m.BroadcastDropped.Inc() }

// SetBreakerState records a breaker state for component.
func (m *Metrics) SetBreakerState(component string, state int) {
	m.BreakerState.WithLabelValues(component).Set(float64(state))
}
