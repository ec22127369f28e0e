package quota

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// QuotaMetrics holds Prometheus gauges for the last-seen quota snapshot.
type QuotaMetrics struct {
	remaining prometheus.Gauge
	limit     prometheus.Gauge
}

var (
	quotaMetricsInstance *QuotaMetrics
	quotaMetricsOnce     sync.Once
)

// GetQuotaMetrics returns the singleton quota metrics instance.
func GetQuotaMetrics() *QuotaMetrics {
	quotaMetricsOnce.Do(func() {
		quotaMetricsInstance = newQuotaMetrics()
	})
	return quotaMetricsInstance
}

// MustRegister registers all quota metric collectors with the given
// Prometheus registry.
func (m *QuotaMetrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(m.remaining, m.limit)
}

func newQuotaMetrics() *QuotaMetrics {
	return &QuotaMetrics{
		remaining: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "shield",
				Subsystem: "quota",
				Name:      "remaining",
				Help:      "Last upstream-reported remaining calls in the window",
			},
		),
		limit: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "shield",
				Subsystem: "quota",
				Name:      "limit",
				Help:      "Last upstream-reported window limit",
			},
		),
	}
}
