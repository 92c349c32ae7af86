// Package metrics defines the gateway's Prometheus instrumentation.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	ProxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_proxy_requests_total",
			Help: "Total number of proxied requests by service and outcome",
		},
		[]string{"service", "outcome"},
	)
	ProxyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_proxy_duration_seconds",
			Help:    "Duration of proxied downstream calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)
	ServiceHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_service_healthy",
			Help: "Whether a downstream service is currently healthy (1) or not (0)",
		},
		[]string{"service"},
	)
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"service"},
	)
)

var registerOnce sync.Once

// Init registers the gateway metrics with the default registry. Safe to call
// more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(ProxyRequests, ProxyDuration, ServiceHealthy, RateLimited)
	})
}
