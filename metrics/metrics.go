// Package metrics exposes prometheus collectors for lookups, code matching and
// per-issuer attestation transitions. A nil *Metrics records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pnp"

type Metrics struct {
	lookups           *prometheus.CounterVec
	lookupDuration    prometheus.Histogram
	codeMatches       *prometheus.CounterVec
	issuerTransitions *prometheus.CounterVec
}

// New registers the collectors on reg. Passing prometheus.DefaultRegisterer
// exposes them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Oblivious lookups by outcome.",
		}, []string{"outcome"}),
		lookupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_duration_seconds",
			Help:      "Latency of oblivious lookups that reached the service.",
			Buckets:   prometheus.DefBuckets,
		}),
		codeMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_matches_total",
			Help:      "Inbound attestation codes by match outcome.",
		}, []string{"outcome"}),
		issuerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issuer_transitions_total",
			Help:      "Per-issuer attestation state transitions.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.lookups, m.lookupDuration, m.codeMatches, m.issuerTransitions)
	}
	return m
}

func (m *Metrics) ObserveLookup(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		m.lookupDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) CodeMatched(outcome string) {
	if m == nil {
		return
	}
	m.codeMatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IssuerTransition(state string) {
	if m == nil {
		return
	}
	m.issuerTransitions.WithLabelValues(state).Inc()
}
