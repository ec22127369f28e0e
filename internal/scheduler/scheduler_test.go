package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seee-dashboard/osm-shield/internal/breaker"
	"github.com/seee-dashboard/osm-shield/internal/config"
	"github.com/seee-dashboard/osm-shield/internal/observability"
	"github.com/seee-dashboard/osm-shield/internal/quota"
	"github.com/seee-dashboard/osm-shield/internal/store"
)

func setupScheduler(t *testing.T, cfg *config.SchedulerConfig) (*Scheduler, *breaker.Breaker) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisFromClient(client, "", observability.NopLogger())
	t.Cleanup(func() { _ = s.Close() })

	b := breaker.New(s, observability.NopLogger())
	q := quota.NewTracker(s, b, observability.NopLogger())

	sched := New(cfg, b, q, observability.NopLogger())
	t.Cleanup(func() { _ = sched.Close() })

	return sched, b
}

func fastConfig() *config.SchedulerConfig {
	return &config.SchedulerConfig{
		HourlyLimit:     1000,
		SafetyFactor:    0.8,
		RefreshInterval: config.Duration(time.Hour),
		MinTime:         config.Duration(time.Millisecond),
		MaxConcurrent:   5,
	}
}

func TestScheduler_RunsTask(t *testing.T) {
	sched, _ := setupScheduler(t, fastConfig())

	ran := false
	err := sched.Schedule(context.Background(), DefaultPriority, func() error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)

	counts := sched.Counts()
	assert.Equal(t, uint64(1), counts.Done)
	assert.Zero(t, counts.Queued)
	assert.Zero(t, counts.Running)
}

func TestScheduler_PropagatesTaskError(t *testing.T) {
	sched, _ := setupScheduler(t, fastConfig())

	taskErr := errors.New("upstream unreachable")
	err := sched.Schedule(context.Background(), DefaultPriority, func() error {
		return taskErr
	})

	assert.ErrorIs(t, err, taskErr)
}

func TestScheduler_SoftLockRejectsWithoutQueueing(t *testing.T) {
	sched, b := setupScheduler(t, fastConfig())
	ctx := context.Background()

	b.SetSoftLock(ctx, time.Minute, "upstream_429")

	err := sched.Schedule(ctx, DefaultPriority, func() error {
		t.Fatal("task must not run while soft locked")
		return nil
	})

	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Zero(t, sched.Counts().Queued)
}

func TestScheduler_ConcurrencyCeiling(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConcurrent = 2
	sched, _ := setupScheduler(t, cfg)

	release := make(chan struct{})
	var mu sync.Mutex
	inFlight, peak := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sched.Schedule(context.Background(), DefaultPriority, func() error {
				mu.Lock()
				inFlight++
				if inFlight > peak {
					peak = inFlight
				}
				mu.Unlock()

				<-release

				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}

	// Let the first batch reach the ceiling before releasing.
	time.Sleep(200 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, peak, 2)
	assert.Equal(t, uint64(6), sched.Counts().Done)
}

func TestScheduler_PriorityOrder(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	sched, _ := setupScheduler(t, cfg)

	blockerStarted := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = sched.Schedule(context.Background(), DefaultPriority, func() error {
			close(blockerStarted)
			<-release
			return nil
		})
	}()
	<-blockerStarted

	var mu sync.Mutex
	var order []string

	enqueue := func(name string, priority int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sched.Schedule(context.Background(), priority, func() error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil
			})
		}()
	}

	// Queue one at a time so arrival order is deterministic.
	enqueue("background", 9)
	for !queuedAtLeast(sched, 1) {
		time.Sleep(time.Millisecond)
	}
	enqueue("interactive", 1)
	for !queuedAtLeast(sched, 2) {
		time.Sleep(time.Millisecond)
	}

	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"interactive", "background"}, order)
}

func queuedAtLeast(s *Scheduler, n int) bool {
	return s.Counts().Queued >= n
}

func TestScheduler_CancelWhileQueued(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	sched, _ := setupScheduler(t, cfg)

	blockerStarted := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	go func() {
		_ = sched.Schedule(context.Background(), DefaultPriority, func() error {
			close(blockerStarted)
			<-release
			return nil
		})
	}()
	<-blockerStarted

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- sched.Schedule(ctx, DefaultPriority, func() error {
			t.Error("cancelled task must not run")
			return nil
		})
	}()

	for !queuedAtLeast(sched, 1) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, sched.Counts().Queued)
}

func TestScheduler_CloseFailsQueuedWaiters(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	sched, _ := setupScheduler(t, cfg)

	blockerStarted := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = sched.Schedule(context.Background(), DefaultPriority, func() error {
			close(blockerStarted)
			<-release
			return nil
		})
	}()
	<-blockerStarted

	errCh := make(chan error, 1)
	go func() {
		errCh <- sched.Schedule(context.Background(), DefaultPriority, func() error {
			t.Error("task must not run after close")
			return nil
		})
	}()

	for !queuedAtLeast(sched, 1) {
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, sched.Close())
	assert.ErrorIs(t, <-errCh, ErrSchedulerClosed)

	close(release)

	// New submissions after close are rejected outright.
	err := sched.Schedule(context.Background(), DefaultPriority, func() error { return nil })
	assert.ErrorIs(t, err, ErrSchedulerClosed)
}

func TestScheduler_PanickingTaskReleasesSlot(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	sched, _ := setupScheduler(t, cfg)

	require.Panics(t, func() {
		_ = sched.Schedule(context.Background(), DefaultPriority, func() error {
			panic("boom")
		})
	})

	counts := sched.Counts()
	assert.Zero(t, counts.Running)
	assert.Equal(t, uint64(1), counts.Done)

	// The single slot was surrendered: the next task is admitted.
	err := sched.Schedule(context.Background(), DefaultPriority, func() error { return nil })
	require.NoError(t, err)
}
