// Package metrics exposes runsync's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "runsync"

// Metrics groups the collectors updated by the router, the registry, the
// reconciler and the push stream. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	EventsApplied   *prometheus.CounterVec
	EventsIgnored   *prometheus.CounterVec
	Commands        *prometheus.CounterVec
	Reconciliations prometheus.Counter
	ForceClosed     prometheus.Counter
	Sessions        *prometheus.GaugeVec
	Reconnects      prometheus.Counter
	FeedDropped     prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Push events applied to a session, by kind.",
		}, []string{"kind"}),
		EventsIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ignored_total",
			Help:      "Push events dropped before reaching a session, by reason.",
		}, []string{"reason"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Backend commands issued, by command and outcome.",
		}, []string{"command", "outcome"}),
		Reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Reconciliation passes run.",
		}),
		ForceClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_force_closed_total",
			Help:      "Sessions closed locally because the backend no longer runs them.",
		}),
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Tracked sessions, by kind and status.",
		}, []string{"kind", "status"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Push stream reconnection attempts.",
		}),
		FeedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_dropped_total",
			Help:      "Local feed events dropped because the hub queue was full.",
		}),
	}

	m.registry.MustRegister(
		m.EventsApplied,
		m.EventsIgnored,
		m.Commands,
		m.Reconciliations,
		m.ForceClosed,
		m.Sessions,
		m.Reconnects,
		m.FeedDropped,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// EventApplied counts one applied event.
func (m *Metrics) EventApplied(kind string) {
	if m == nil {
		return
	}
	m.EventsApplied.WithLabelValues(kind).Inc()
}

// EventIgnored counts one dropped event.
func (m *Metrics) EventIgnored(reason string) {
	if m == nil {
		return
	}
	m.EventsIgnored.WithLabelValues(reason).Inc()
}

// Command counts one backend command. err decides the outcome label.
func (m *Metrics) Command(command string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Commands.WithLabelValues(command, outcome).Inc()
}

// Reconciled counts one reconciliation pass and the sessions it closed.
func (m *Metrics) Reconciled(closed int) {
	if m == nil {
		return
	}
	m.Reconciliations.Inc()
	m.ForceClosed.Add(float64(closed))
}

// Reconnect counts one stream reconnection attempt.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// Dropped counts one dropped feed event.
func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.FeedDropped.Inc()
}

// SetSessionCounts replaces the sessions gauge. counts is keyed by
// [kind, status].
func (m *Metrics) SetSessionCounts(counts map[[2]string]int) {
	if m == nil {
		return
	}
	m.Sessions.Reset()
	for k, n := range counts {
		m.Sessions.WithLabelValues(k[0], k[1]).Set(float64(n))
	}
}
