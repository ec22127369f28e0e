package breaker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BreakerMetrics holds Prometheus metrics for circuit lock transitions.
type BreakerMetrics struct {
	transitionsTotal *prometheus.CounterVec
	clearsTotal      prometheus.Counter
}

var (
	breakerMetricsInstance *BreakerMetrics
	breakerMetricsOnce     sync.Once
)

// GetBreakerMetrics returns the singleton breaker metrics instance.
func GetBreakerMetrics() *BreakerMetrics {
	breakerMetricsOnce.Do(func() {
		breakerMetricsInstance = newBreakerMetrics()
	})
	return breakerMetricsInstance
}

// MustRegister registers all breaker metric collectors with the given
// Prometheus registry.
func (m *BreakerMetrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		m.transitionsTotal,
		m.clearsTotal,
	)
}

// Init pre-initializes common label combinations. Idempotent.
func (m *BreakerMetrics) Init() {
	for _, lock := range []string{"soft", "hard"} {
		for _, reason := range []string{"quota_low", "upstream_429", "abuse_header"} {
			m.transitionsTotal.WithLabelValues(lock, reason)
		}
	}
}

func newBreakerMetrics() *BreakerMetrics {
	return &BreakerMetrics{
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shield",
				Subsystem: "breaker",
				Name:      "lock_transitions_total",
				Help:      "Total number of circuit lock activations",
			},
			[]string{"lock", "reason"},
		),
		clearsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "shield",
				Subsystem: "breaker",
				Name:      "lock_clears_total",
				Help:      "Total number of administrative lock clears",
			},
		),
	}
}
