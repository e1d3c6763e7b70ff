// Package metrics provides Prometheus metrics for the access gate.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gate.
type Metrics struct {
	GrantsInstalled  *prometheus.CounterVec
	GrantsRemoved    *prometheus.CounterVec
	InstallFailures  *prometheus.CounterVec
	RemovalFailures  *prometheus.CounterVec
	RemoteRequests   *prometheus.CounterVec
	ActiveGrants     *prometheus.GaugeVec
	SweepDuration    prometheus.Histogram
	CodesDelivered   prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		GrantsInstalled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgate_grants_installed_total",
				Help: "Grants successfully installed, by system.",
			},
			[]string{"system"},
		),
		GrantsRemoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgate_grants_removed_total",
				Help: "Grants successfully removed, by system.",
			},
			[]string{"system"},
		),
		InstallFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgate_install_failures_total",
				Help: "Failed installation attempts, by system.",
			},
			[]string{"system"},
		),
		RemovalFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgate_removal_failures_total",
				Help: "Failed removal attempts, by system.",
			},
			[]string{"system"},
		),
		RemoteRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgate_remote_requests_total",
				Help: "Remote ACS API requests by system and status class.",
			},
			[]string{"system", "status"},
		),
		ActiveGrants: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "accessgate_active_grants",
				Help: "Grants currently in an active state, by system.",
			},
			[]string{"system"},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "accessgate_sweep_duration_seconds",
				Help:    "Reconciliation sweep duration.",
				Buckets: prometheus.DefBuckets,
			},
		),
		CodesDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "accessgate_codes_delivered_total",
				Help: "Access codes handed to the notifier.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.GrantsInstalled)
	reg.MustRegister(m.GrantsRemoved)
	reg.MustRegister(m.InstallFailures)
	reg.MustRegister(m.RemovalFailures)
	reg.MustRegister(m.RemoteRequests)
	reg.MustRegister(m.ActiveGrants)
	reg.MustRegister(m.SweepDuration)
	reg.MustRegister(m.CodesDelivered)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
