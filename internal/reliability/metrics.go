// Package reliability implements circuit breakers with retry and fallback
// handling for the external dependencies of the billing core (payment
// processor, AI provider, storage, database, agent bridge).
package reliability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes breaker observability with bounded label cardinality:
// service names come from a fixed registry, outcomes from a three-value enum.
type Metrics struct {
	callDuration *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
}

// NewMetrics creates and registers the breaker collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "external_call_duration_seconds",
				Help:    "Duration of external dependency calls through circuit breakers.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service", "outcome"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state per service (0=closed, 1=half-open, 2=open).",
			},
			[]string{"service"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_transitions_total",
				Help: "Circuit breaker state transitions per service and target state.",
			},
			[]string{"service", "to"},
		),
	}

	reg.MustRegister(m.callDuration, m.breakerState, m.transitions)

	return m
}

func (m *Metrics) observeCall(service string, d time.Duration, outcome string) {
	m.callDuration.WithLabelValues(service, outcome).Observe(d.Seconds())
}

func (m *Metrics) setState(service string, state State) {
	var v float64
	switch state {
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}

	m.breakerState.WithLabelValues(service).Set(v)
	m.transitions.WithLabelValues(service, string(state)).Inc()
}
