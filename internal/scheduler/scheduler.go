// Package scheduler provides the single shared admission queue through
// which every upstream call is funneled. It enforces a token reservoir
// replenished on a fixed interval, a concurrency ceiling, and a minimum
// spacing between call starts, and continuously shrinks its budget to
// track the upstream-reported quota.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/seee-dashboard/osm-shield/internal/breaker"
	"github.com/seee-dashboard/osm-shield/internal/config"
	"github.com/seee-dashboard/osm-shield/internal/observability"
	"github.com/seee-dashboard/osm-shield/internal/quota"
)

// Sentinel errors for scheduler admission.
var (
	// ErrRateLimited indicates the system is cooling down; the task was
	// rejected without being enqueued.
	ErrRateLimited = errors.New("rate limited, retry later")

	// ErrSchedulerClosed indicates the scheduler has been shut down.
	ErrSchedulerClosed = errors.New("scheduler is closed")
)

// DefaultPriority is the priority assigned to ordinary reads. Lower
// values are served first.
const DefaultPriority = 5

// Counts is a point-in-time snapshot of queue telemetry.
type Counts struct {
	Queued  int    `json:"queued"`
	Running int    `json:"running"`
	Done    uint64 `json:"done"`
}

// Scheduler is the bounded, paced admission queue. One instance per
// process, constructed by the composition root and injected into the
// orchestrator; its reservoir and in-flight counters are the only
// in-process shared mutable state in the shield.
type Scheduler struct {
	logger  observability.Logger
	breaker *breaker.Breaker
	quota   *quota.Tracker

	refreshAmount int
	safetyFactor  float64
	maxConcurrent int
	pacer         *rate.Limiter

	mu        sync.Mutex
	queue     waiterQueue
	seq       uint64
	reservoir int
	running   int
	done      uint64
	closed    bool

	stopRefresh chan struct{}
	stopOnce    sync.Once
}

// waiter is a queued admission request.
type waiter struct {
	priority int
	seq      uint64
	admitted chan struct{}
	rejected bool
	index    int
}

// waiterQueue orders waiters by priority, FIFO within equal priority.
type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }

func (q waiterQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waiterQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

// New creates a scheduler from configuration and starts its reservoir
// refresh loop. Call Close to stop it.
func New(cfg *config.SchedulerConfig, b *breaker.Breaker, q *quota.Tracker, logger observability.Logger) *Scheduler {
	if logger == nil {
		logger = observability.NopLogger()
	}

	refreshAmount := int(float64(cfg.HourlyLimit) * cfg.SafetyFactor)
	if refreshAmount < 1 {
		refreshAmount = 1
	}

	minTime := cfg.MinTime.Duration()
	if minTime <= 0 {
		minTime = 50 * time.Millisecond
	}

	refreshInterval := cfg.RefreshInterval.Duration()
	if refreshInterval <= 0 {
		refreshInterval = 60 * time.Second
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}

	s := &Scheduler{
		logger:        logger,
		breaker:       b,
		quota:         q,
		refreshAmount: refreshAmount,
		safetyFactor:  cfg.SafetyFactor,
		maxConcurrent: maxConcurrent,
		pacer:         rate.NewLimiter(rate.Every(minTime), 1),
		reservoir:     refreshAmount,
		stopRefresh:   make(chan struct{}),
	}

	go s.refreshLoop(refreshInterval)

	logger.Info("scheduler initialized",
		observability.Int("reservoir", refreshAmount),
		observability.Int("maxConcurrent", maxConcurrent),
		observability.Duration("minTime", minTime),
		observability.Duration("refreshInterval", refreshInterval))

	return s
}

// refreshLoop replenishes the reservoir to its full amount on a fixed
// interval.
func (s *Scheduler) refreshLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.reservoir = s.refreshAmount
			GetSchedulerMetrics().reservoir.Set(float64(s.reservoir))
			s.dispatchLocked()
			s.mu.Unlock()
		case <-s.stopRefresh:
			return
		}
	}
}

// Schedule runs task through the admission queue and returns its error.
// If the system is soft-locked the task is rejected immediately with
// ErrRateLimited rather than queued to fail later. Cancelling ctx
// aborts only this caller's wait in the queue; once the task has been
// admitted it runs to completion, since its result may still serve
// other cache readers.
func (s *Scheduler) Schedule(ctx context.Context, priority int, task func() error) error {
	if s.breaker != nil && s.breaker.IsSoftLocked(ctx) {
		GetSchedulerMetrics().rejectedTotal.WithLabelValues("soft_lock").Inc()
		return ErrRateLimited
	}

	w := &waiter{
		priority: priority,
		admitted: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.seq++
	w.seq = s.seq
	heap.Push(&s.queue, w)
	GetSchedulerMetrics().queueDepth.Set(float64(s.queue.Len()))
	s.dispatchLocked()
	s.mu.Unlock()

	select {
	case <-w.admitted:
		if w.rejected {
			return ErrSchedulerClosed
		}
	case <-ctx.Done():
		s.mu.Lock()
		if w.index >= 0 {
			// Still queued: withdraw and surrender nothing.
			heap.Remove(&s.queue, w.index)
			GetSchedulerMetrics().queueDepth.Set(float64(s.queue.Len()))
			s.mu.Unlock()
			GetSchedulerMetrics().rejectedTotal.WithLabelValues("canceled").Inc()
			return ctx.Err()
		}
		// Admitted concurrently with cancellation: run anyway.
		s.mu.Unlock()
		<-w.admitted
		if w.rejected {
			return ErrSchedulerClosed
		}
	}

	// Pace call starts. The pacer wait is deliberately detached from the
	// caller's context: admission has already consumed a token.
	_ = s.pacer.Wait(context.Background())

	// The running slot is surrendered in a defer so a panicking task
	// cannot leak capacity or stall dispatch.
	start := time.Now()
	defer func() {
		GetSchedulerMetrics().taskDuration.Observe(time.Since(start).Seconds())

		s.mu.Lock()
		s.running--
		s.done++
		GetSchedulerMetrics().running.Set(float64(s.running))
		s.dispatchLocked()
		s.mu.Unlock()

		s.adjustReservoir(ctx)
	}()

	return task()
}

// adjustReservoir re-reads the latest quota snapshot after a completed
// call and resizes the reservoir to track upstream-reported reality.
func (s *Scheduler) adjustReservoir(ctx context.Context) {
	if s.quota == nil {
		return
	}

	snap, err := s.quota.Get(ctx)
	if err != nil || snap == nil {
		return
	}

	safe := int(float64(snap.Remaining) * s.safetyFactor)

	s.mu.Lock()
	s.reservoir = safe
	GetSchedulerMetrics().reservoir.Set(float64(s.reservoir))
	s.dispatchLocked()
	s.mu.Unlock()

	s.logger.Debug("reservoir adjusted to quota",
		observability.Int("reservoir", safe),
		observability.Uint64("remaining", snap.Remaining),
		observability.Uint64("limit", snap.Limit))
}

// dispatchLocked admits queued waiters while capacity and tokens allow.
// Caller must hold s.mu.
func (s *Scheduler) dispatchLocked() {
	for s.queue.Len() > 0 && s.running < s.maxConcurrent && s.reservoir > 0 {
		w := heap.Pop(&s.queue).(*waiter)
		s.reservoir--
		s.running++
		close(w.admitted)
	}
	GetSchedulerMetrics().queueDepth.Set(float64(s.queue.Len()))
	GetSchedulerMetrics().running.Set(float64(s.running))
	GetSchedulerMetrics().reservoir.Set(float64(s.reservoir))
}

// Counts returns queue telemetry.
func (s *Scheduler) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{
		Queued:  s.queue.Len(),
		Running: s.running,
		Done:    s.done,
	}
}

// Close stops the refresh loop and fails queued waiters with
// ErrSchedulerClosed. Tasks already running complete normally. Safe to
// call multiple times.
func (s *Scheduler) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopRefresh)

		s.mu.Lock()
		s.closed = true
		for s.queue.Len() > 0 {
			w := heap.Pop(&s.queue).(*waiter)
			w.rejected = true
			close(w.admitted)
		}
		s.mu.Unlock()
	})
	return nil
}
