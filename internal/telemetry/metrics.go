// Package telemetry provides observability primitives for the agate gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
	UpstreamErrors  *prometheus.CounterVec
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	AccountSwitches prometheus.Counter
	Cooldowns       *prometheus.CounterVec
	AccountsLoaded  prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agate",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "agate",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agate",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agate",
			Name:      "upstream_errors_total",
			Help:      "Total upstream errors by classification.",
		}, []string{"kind"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agate",
			Name:      "cache_hits_total",
			Help:      "Total semantic cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agate",
			Name:      "cache_misses_total",
			Help:      "Total semantic cache misses.",
		}),

		AccountSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agate",
			Name:      "account_switches_total",
			Help:      "Total automatic active-account switches.",
		}),

		Cooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agate",
			Name:      "account_cooldowns_total",
			Help:      "Total rate-limit cooldowns applied, by account email.",
		}, []string{"email"}),

		AccountsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agate",
			Name:      "accounts_loaded",
			Help:      "Number of accounts currently loaded by the token manager.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamErrors,
		m.CacheHits,
		m.CacheMisses,
		m.AccountSwitches,
		m.Cooldowns,
		m.AccountsLoaded,
	)

	return m
}
