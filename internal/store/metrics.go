package store

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// StoreMetrics holds Prometheus metrics for lock store operations.
type StoreMetrics struct {
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
}

var (
	storeMetricsInstance *StoreMetrics
	storeMetricsOnce     sync.Once
)

// GetStoreMetrics returns the singleton store metrics instance.
func GetStoreMetrics() *StoreMetrics {
	storeMetricsOnce.Do(func() {
		storeMetricsInstance = newStoreMetrics()
	})
	return storeMetricsInstance
}

// MustRegister registers all store metric collectors with the given
// Prometheus registry.
func (m *StoreMetrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		m.operationDuration,
		m.errorsTotal,
	)
}

// Init pre-initializes label combinations so metrics appear in /metrics
// output immediately after startup. Idempotent.
func (m *StoreMetrics) Init() {
	for _, op := range []string{"get", "setex", "del", "mget", "mset", "ttl"} {
		m.operationDuration.WithLabelValues(op)
		m.errorsTotal.WithLabelValues(op)
	}
}

func newStoreMetrics() *StoreMetrics {
	return &StoreMetrics{
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "shield",
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Duration of lock store operations",
				Buckets: []float64{
					.0001, .0005, .001, .005,
					.01, .025, .05, .1,
				},
			},
			[]string{"operation"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shield",
				Subsystem: "store",
				Name:      "errors_total",
				Help:      "Total number of lock store errors",
			},
			[]string{"operation"},
		),
	}
}
