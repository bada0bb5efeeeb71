// Package metrics exposes a Prometheus registry instrumenting request
// volume, proxy outcomes, backend health, and probe latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the gateway's Prometheus collectors behind a single
// handle so components don't reach for package-level globals directly.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	ProxyAttemptsTotal *prometheus.CounterVec
	BackendHealth      *prometheus.GaugeVec
	ProbeDuration      prometheus.Histogram
	Registry           *prometheus.Registry
}

// HealthGaugeValue maps a health status string to the gauge value the
// gateway's metrics contract uses: 0=unknown, 1=unhealthy, 2=healthy.
func HealthGaugeValue(status string) float64 {
	switch status {
	case "healthy":
		return 2
	case "unhealthy":
		return 1
	default:
		return 0
	}
}

// New builds a fresh registry and collectors. Call once at startup.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests served by the gateway, by route and status.",
		}, []string{"route", "status"}),
		ProxyAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_proxy_attempts_total",
			Help: "Total upstream forward attempts, by outcome.",
		}, []string{"outcome"}),
		BackendHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_backend_health",
			Help: "Backend health status (0=unknown, 1=unhealthy, 2=healthy).",
		}, []string{"model", "registration_id"}),
		ProbeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_probe_duration_seconds",
			Help:    "Duration of Health Monitor probes.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
