// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package metrics holds the crank's prometheus collectors. Every method is
// safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/darkbook/crank/crank/breaker"
	"github.com/darkbook/crank/crank/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "crank"

// Metrics are the crank's collectors.
type Metrics struct {
	Polls               prometheus.Counter
	MatchAttempts       prometheus.Counter
	Successes           prometheus.Counter
	Failures            *prometheus.CounterVec
	OrphanedCompletions prometheus.Counter
	ConsecutiveErrors   prometheus.Gauge
	OpenOrders          prometheus.Gauge
	PendingMatches      prometheus.Gauge
	PairTransitions     *prometheus.CounterVec
	CycleDuration       prometheus.Histogram
	BreakerState        *prometheus.GaugeVec
	EndpointHealthy     *prometheus.GaugeVec
	EndpointLatency     *prometheus.GaugeVec
	Failovers           prometheus.Counter
}

// New creates the collectors and registers them.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	m := &Metrics{
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Total polling cycles.",
		}),
		MatchAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_attempts_total",
			Help:      "Total order pairs locked for a match attempt.",
		}),
		Successes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_successes_total",
			Help:      "Total settled matches.",
		}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Total failures by error class.",
		}, []string{"class"}),
		OrphanedCompletions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_completions_total",
			Help:      "Total computation completions with no live lock.",
		}),
		ConsecutiveErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_errors",
			Help:      "Errors since the last success.",
		}),
		OpenOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_orders",
			Help:      "Matchable orders seen by the last cycle.",
		}),
		PendingMatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_matches",
			Help:      "Pairs in a match attempt.",
		}),
		PairTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pair_transitions_total",
			Help:      "Pair state machine transitions by destination state.",
		}, []string{"state"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Polling cycle duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"breaker"}),
		EndpointHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_healthy",
			Help:      "1 if the RPC endpoint is healthy.",
		}, []string{"url"}),
		EndpointLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_latency_ms",
			Help:      "Last measured RPC endpoint latency in milliseconds.",
		}, []string{"url"}),
		Failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Total RPC endpoint failovers.",
		}),
	}
	reg.MustRegister(m.Polls, m.MatchAttempts, m.Successes, m.Failures, m.OrphanedCompletions,
		m.ConsecutiveErrors, m.OpenOrders, m.PendingMatches, m.PairTransitions, m.CycleDuration,
		m.BreakerState, m.EndpointHealthy, m.EndpointLatency, m.Failovers)
	return m
}

// Handler serves the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ObservePoll records a finished polling cycle.
func (m *Metrics) ObservePoll(d time.Duration) {
	if m == nil {
		return
	}
	m.Polls.Inc()
	m.CycleDuration.Observe(d.Seconds())
}

// ObserveAttempt records a locked pair.
func (m *Metrics) ObserveAttempt() {
	if m == nil {
		return
	}
	m.MatchAttempts.Inc()
}

// ObserveSuccess records a settled match.
func (m *Metrics) ObserveSuccess() {
	if m == nil {
		return
	}
	m.Successes.Inc()
}

// ObserveFailure records a failure of the given class.
func (m *Metrics) ObserveFailure(class ledger.Class) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(class.String()).Inc()
}

// ObserveOrphan records an orphaned completion.
func (m *Metrics) ObserveOrphan() {
	if m == nil {
		return
	}
	m.OrphanedCompletions.Inc()
}

// ObserveTransition records a pair entering a state.
func (m *Metrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.PairTransitions.WithLabelValues(state).Inc()
}

// SetGauges sets the point-in-time gauges.
func (m *Metrics) SetGauges(consecutiveErrors, openOrders, pendingMatches int) {
	if m == nil {
		return
	}
	m.ConsecutiveErrors.Set(float64(consecutiveErrors))
	m.OpenOrders.Set(float64(openOrders))
	m.PendingMatches.Set(float64(pendingMatches))
}

// BreakerObserver is a breaker.Observer that tracks breaker states.
func (m *Metrics) BreakerObserver() breaker.Observer {
	return func(name string, _, to breaker.State) {
		if m == nil {
			return
		}
		m.BreakerState.WithLabelValues(name).Set(float64(to))
	}
}

// EndpointObserver is a ledger FailoverConfig Observer that tracks endpoint
// health and latency.
func (m *Metrics) EndpointObserver() func(*ledger.EndpointStatus) {
	return func(st *ledger.EndpointStatus) {
		if m == nil {
			return
		}
		var healthy float64
		if st.Healthy {
			healthy = 1
		}
		m.EndpointHealthy.WithLabelValues(st.URL).Set(healthy)
		m.EndpointLatency.WithLabelValues(st.URL).Set(float64(st.LatencyMs))
	}
}

// ObserveFailover counts a failover. It matches the ledger FailoverConfig
// OnFailover signature.
func (m *Metrics) ObserveFailover(from, to, reason string) {
	if m == nil {
		return
	}
	m.Failovers.Inc()
}
