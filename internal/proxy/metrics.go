package proxy

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ProxyMetrics holds Prometheus metrics for the gateway pipeline.
type ProxyMetrics struct {
	requestsTotal    *prometheus.CounterVec
	cacheTotal       *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
}

var (
	proxyMetrics     *ProxyMetrics
	proxyMetricsOnce sync.Once
)

// GetProxyMetrics returns the singleton proxy metrics instance.
func GetProxyMetrics() *ProxyMetrics {
	proxyMetricsOnce.Do(func() {
		proxyMetrics = newProxyMetrics()
	})
	return proxyMetrics
}

func newProxyMetrics() *ProxyMetrics {
	return &ProxyMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shield",
				Subsystem: "proxy",
				Name:      "requests_total",
				Help:      "Total gateway requests by terminal outcome code.",
			},
			[]string{"outcome"},
		),
		cacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shield",
				Subsystem: "proxy",
				Name:      "cache_total",
				Help:      "Cache lookups by result.",
			},
			[]string{"result"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "shield",
				Subsystem: "proxy",
				Name:      "upstream_duration_seconds",
				Help:      "Upstream call latency by status class.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status_class"},
		),
	}
}

// MustRegister registers all proxy metrics with the given registry.
func (m *ProxyMetrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		m.requestsTotal,
		m.cacheTotal,
		m.upstreamDuration,
	)
}

// Init pre-seeds the label combinations so they appear at zero.
func (m *ProxyMetrics) Init() {
	for _, outcome := range []string{
		"ok", CodeSystemHalted, CodeRateLimited, CodeUnauthenticated,
		CodeAPIBlocked, CodeAPIError, CodeMethodNotAllowed, CodeInternalError,
	} {
		m.requestsTotal.WithLabelValues(outcome)
	}
	for _, result := range []string{"hit", "miss", "bypass", "corrupt"} {
		m.cacheTotal.WithLabelValues(result)
	}
}
