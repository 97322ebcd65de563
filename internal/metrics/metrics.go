// Package metrics exposes the service's Prometheus instruments on a private
// registry so tests never collide on the global default.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
	CostUSD          *prometheus.CounterVec
	TokensTotal      *prometheus.CounterVec
	CircuitState     *prometheus.GaugeVec
	AdmissionDenials *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kinable_requests_total",
			Help: "Total requests routed through the service",
		}, []string{"model", "provider", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kinable_request_latency_ms",
			Help:    "Request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"model", "provider"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kinable_cost_usd_total",
			Help: "Estimated USD cost",
		}, []string{"model", "provider"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kinable_tokens_total",
			Help: "Tokens consumed upstream",
		}, []string{"model", "provider", "direction"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kinable_circuit_state",
			Help: "Circuit state per provider#region (0=closed, 1=half-open, 2=open)",
		}, []string{"circuit"}),
		AdmissionDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kinable_admission_denials_total",
			Help: "Requests denied at admission",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestLatency, m.CostUSD, m.TokensTotal, m.CircuitState, m.AdmissionDenials)
	return m
}

// SetCircuitState records a circuit transition on the gauge.
func (m *Registry) SetCircuitState(circuit, state string) {
	var v float64
	switch state {
	case "HALF_OPEN":
		v = 1
	case "OPEN":
		v = 2
	}
	m.CircuitState.WithLabelValues(circuit).Set(v)
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
