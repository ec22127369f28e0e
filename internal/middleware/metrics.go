package middleware

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MiddlewareMetrics holds Prometheus metrics for the middleware chain.
type MiddlewareMetrics struct {
	panicsRecovered prometheus.Counter
}

var (
	middlewareMetrics     *MiddlewareMetrics
	middlewareMetricsOnce sync.Once
)

// GetMiddlewareMetrics returns the singleton middleware metrics instance.
func GetMiddlewareMetrics() *MiddlewareMetrics {
	middlewareMetricsOnce.Do(func() {
		middlewareMetrics = &MiddlewareMetrics{
			panicsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "shield",
				Subsystem: "middleware",
				Name:      "panics_recovered_total",
				Help:      "Total panics recovered by the recovery middleware.",
			}),
		}
	})
	return middlewareMetrics
}

// MustRegister registers all middleware metrics with the given registry.
func (m *MiddlewareMetrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(m.panicsRecovered)
}
