package scheduler

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerMetrics holds Prometheus metrics for the admission queue.
type SchedulerMetrics struct {
	queueDepth    prometheus.Gauge
	running       prometheus.Gauge
	reservoir     prometheus.Gauge
	rejectedTotal *prometheus.CounterVec
	taskDuration  prometheus.Histogram
}

var (
	schedulerMetricsInstance *SchedulerMetrics
	schedulerMetricsOnce     sync.Once
)

// GetSchedulerMetrics returns the singleton scheduler metrics instance.
func GetSchedulerMetrics() *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetricsInstance = newSchedulerMetrics()
	})
	return schedulerMetricsInstance
}

// MustRegister registers all scheduler metric collectors with the given
// Prometheus registry.
func (m *SchedulerMetrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		m.queueDepth,
		m.running,
		m.reservoir,
		m.rejectedTotal,
		m.taskDuration,
	)
}

// Init pre-initializes common label combinations. Idempotent.
func (m *SchedulerMetrics) Init() {
	for _, reason := range []string{"soft_lock", "canceled"} {
		m.rejectedTotal.WithLabelValues(reason)
	}
}

func newSchedulerMetrics() *SchedulerMetrics {
	return &SchedulerMetrics{
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "shield",
				Subsystem: "scheduler",
				Name:      "queue_depth",
				Help:      "Number of tasks waiting for admission",
			},
		),
		running: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "shield",
				Subsystem: "scheduler",
				Name:      "running",
				Help:      "Number of tasks currently in flight",
			},
		),
		reservoir: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "shield",
				Subsystem: "scheduler",
				Name:      "reservoir",
				Help:      "Current token reservoir size",
			},
		),
		rejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shield",
				Subsystem: "scheduler",
				Name:      "rejected_total",
				Help:      "Total number of tasks rejected before admission",
			},
			[]string{"reason"},
		),
		taskDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "shield",
				Subsystem: "scheduler",
				Name:      "task_duration_seconds",
				Help:      "Duration of admitted upstream tasks",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}
