// Package metrics provides Prometheus instrumentation for the sitepay-core
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only sitepay-core metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sitepay/core/internal/core"
	"github.com/sitepay/core/internal/service"
)

// Metrics holds all Prometheus collectors used by the sitepay-core server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ModuleTransitionsTotal    *prometheus.CounterVec
	TransitionRejectionsTotal *prometheus.CounterVec
	ModulesByStatus           *prometheus.GaugeVec
	ClaimsCreatedTotal        prometheus.Counter
	ClaimsDecidedTotal        *prometheus.CounterVec
	StateReloadsTotal         prometheus.Counter

	BusEventsTotal        *prometheus.CounterVec
	BusHandlerPanicsTotal *prometheus.CounterVec
}

// New creates and registers all sitepay-core metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitepay_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitepay_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		ModuleTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitepay_module_transitions_total",
			Help: "Total number of accepted module status transitions.",
		}, []string{"status"}),

		TransitionRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitepay_rule_rejections_total",
			Help: "Total number of rejected operations, by rejection reason.",
		}, []string{"reason"}),

		ModulesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitepay_modules",
			Help: "Number of catalog modules in each activation status.",
		}, []string{"status"}),

		ClaimsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitepay_claims_created_total",
			Help: "Total number of claims created by incident evaluation.",
		}),

		ClaimsDecidedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitepay_claims_decided_total",
			Help: "Total number of claim decisions, by final status.",
		}, []string{"status"}),

		StateReloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitepay_state_reloads_total",
			Help: "Total number of full state reloads from the database.",
		}),

		BusEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitepay_bus_events_total",
			Help: "Total number of events published on the in-process bus.",
		}, []string{"kind"}),

		BusHandlerPanicsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitepay_bus_handler_panics_total",
			Help: "Total number of recovered event handler panics.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ModuleTransitionsTotal,
		m.TransitionRejectionsTotal,
		m.ModulesByStatus,
		m.ClaimsCreatedTotal,
		m.ClaimsDecidedTotal,
		m.StateReloadsTotal,
		m.BusEventsTotal,
		m.BusHandlerPanicsTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ServiceHooks returns outcome callbacks for wiring into the service layer.
func (m *Metrics) ServiceHooks() service.MetricsHooks {
	return service.MetricsHooks{
		ModuleTransition: func(status string) {
			m.ModuleTransitionsTotal.WithLabelValues(status).Inc()
		},
		TransitionRejected: func(reason string) {
			m.TransitionRejectionsTotal.WithLabelValues(reason).Inc()
		},
		ClaimCreated: func() {
			m.ClaimsCreatedTotal.Inc()
		},
		ClaimDecided: func(status string) {
			m.ClaimsDecidedTotal.WithLabelValues(status).Inc()
		},
		StateReload: func() {
			m.StateReloadsTotal.Inc()
		},
		ModuleStats: m.SetModuleStats,
	}
}

// SetModuleStats updates the per-status module gauges.
func (m *Metrics) SetModuleStats(stats core.Stats) {
	m.ModulesByStatus.WithLabelValues(string(core.StatusEnabled)).Set(float64(stats.Enabled))
	m.ModulesByStatus.WithLabelValues(string(core.StatusAvailable)).Set(float64(stats.Available))
	m.ModulesByStatus.WithLabelValues(string(core.StatusComingSoon)).Set(float64(stats.ComingSoon))
}

// RecordBusPublish increments the bus publish counter for an event kind.
func (m *Metrics) RecordBusPublish(kind string) {
	m.BusEventsTotal.WithLabelValues(kind).Inc()
}

// RecordBusPanic increments the recovered handler panic counter.
func (m *Metrics) RecordBusPanic(kind string) {
	m.BusHandlerPanicsTotal.WithLabelValues(kind).Inc()
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, durationSeconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(durationSeconds)
}
