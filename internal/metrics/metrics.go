// Package metrics exposes Prometheus counters for authentication outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry  *prometheus.Registry
	logins    *prometheus.CounterVec
	rotations *prometheus.CounterVec
	emails    *prometheus.CounterVec
}

// New registers the counters on a fresh registry, alongside the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devauth",
			Name:      "login_attempts_total",
			Help:      "Login, magic-link and reset-tail attempts by outcome code.",
		}, []string{"flow", "outcome"}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devauth",
			Name:      "token_rotations_total",
			Help:      "Access token rotations performed by the request guard.",
		}, []string{"result"}),
		emails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devauth",
			Name:      "emails_dispatched_total",
			Help:      "Emails handed to the mail driver by kind and result.",
		}, []string{"kind", "result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.logins, m.rotations, m.emails,
	)
	return m
}

// Login counts one attempt of flow ending in outcome.
func (m *Metrics) Login(flow, outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(flow, outcome).Inc()
}

// Rotation counts one guard rotation with result ok, revoked, invalid or error.
func (m *Metrics) Rotation(result string) {
	if m == nil {
		return
	}
	m.rotations.WithLabelValues(result).Inc()
}

// Email counts one dispatch.
func (m *Metrics) Email(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.emails.WithLabelValues(kind, result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
