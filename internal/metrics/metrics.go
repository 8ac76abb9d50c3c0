// Package metrics exposes Prometheus counters for the avatar cache and
// the user-creation notifications.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "avatar_cache"

// Metrics is safe to use as a nil pointer; every recorder becomes a no-op.
type Metrics struct {
	registry      *prometheus.Registry
	cacheLookups  *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// New registers the service collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Avatar lookups by outcome (hit, miss, corrupt, error).",
		}, []string{"outcome"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Avatar deletions by outcome (deleted, not_found, error).",
		}, []string{"outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_notifications_total",
			Help:      "User creation notifications by outcome (sent, failed).",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.cacheLookups, m.evictions, m.notifications)
	return m
}

func (m *Metrics) Lookup(outcome string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Eviction(outcome string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
