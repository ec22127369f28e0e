// Package breaker implements the shield's circuit locks: TTL-bound
// markers in the shared lock store that pause (soft lock) or halt (hard
// lock) all upstream traffic. Lock state is shared across replicas;
// presence of the marker means the lock is active.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/seee-dashboard/osm-shield/internal/observability"
	"github.com/seee-dashboard/osm-shield/internal/store"
)

// Lock store keys for circuit state.
const (
	SoftLockKey = "circuit:soft_lock"
	HardLockKey = "circuit:hard_lock"
)

// Default lock TTLs.
const (
	// DefaultSoftTTL is the soft lock cooldown applied when no better
	// signal (Retry-After, quota reset) is available.
	DefaultSoftTTL = 60 * time.Second

	// DefaultHardTTL is the fixed hard lock duration applied on an
	// explicit upstream abuse signal.
	DefaultHardTTL = 300 * time.Second
)

// Breaker manages the soft and hard circuit locks.
type Breaker struct {
	store  store.Store
	logger observability.Logger
}

// New creates a Breaker over the given lock store.
func New(s store.Store, logger observability.Logger) *Breaker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Breaker{store: s, logger: logger}
}

// IsHardLocked reports whether the hard lock marker is present.
// Store errors are treated as "not locked": the upstream's own limits
// are the backstop, and the shield must not depend on store availability.
func (b *Breaker) IsHardLocked(ctx context.Context) bool {
	return b.isLocked(ctx, HardLockKey)
}

// IsSoftLocked reports whether the soft lock marker is present.
func (b *Breaker) IsSoftLocked(ctx context.Context) bool {
	return b.isLocked(ctx, SoftLockKey)
}

func (b *Breaker) isLocked(ctx context.Context, key string) bool {
	val, err := b.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.logger.Warn("lock read failed, treating as unlocked",
				observability.String("lock", key),
				observability.Error(err))
		}
		return false
	}
	return val == "1"
}

// SetSoftLock sets the soft lock marker with the given TTL. Re-setting
// replaces the TTL; the last caller wins. Both the quota tracker's
// proactive trigger and the 429 handler's reactive trigger funnel
// through here, and either may win the race.
func (b *Breaker) SetSoftLock(ctx context.Context, ttl time.Duration, reason string) {
	b.setLock(ctx, SoftLockKey, "soft", ttl, reason)
}

// SetHardLock sets the hard lock marker with the given TTL.
func (b *Breaker) SetHardLock(ctx context.Context, ttl time.Duration, reason string) {
	b.setLock(ctx, HardLockKey, "hard", ttl, reason)
}

func (b *Breaker) setLock(ctx context.Context, key, kind string, ttl time.Duration, reason string) {
	if ttl < time.Second {
		ttl = time.Second
	}

	if err := b.store.SetEx(ctx, key, "1", ttl); err != nil {
		b.logger.Error("failed to set lock",
			observability.String("lock", kind),
			observability.Duration("ttl", ttl),
			observability.Error(err))
		return
	}

	GetBreakerMetrics().transitionsTotal.WithLabelValues(kind, reason).Inc()

	b.logger.Warn("circuit lock engaged",
		observability.String("lock", kind),
		observability.Duration("ttl", ttl),
		observability.String("reason", reason))
}

// SoftLockTTL returns the remaining soft lock duration, or zero when
// the lock is absent or the store is unreachable.
func (b *Breaker) SoftLockTTL(ctx context.Context) time.Duration {
	return b.lockTTL(ctx, SoftLockKey)
}

// HardLockTTL returns the remaining hard lock duration, or zero when
// the lock is absent or the store is unreachable.
func (b *Breaker) HardLockTTL(ctx context.Context) time.Duration {
	return b.lockTTL(ctx, HardLockKey)
}

func (b *Breaker) lockTTL(ctx context.Context, key string) time.Duration {
	ttl, err := b.store.TTL(ctx, key)
	if err != nil {
		return 0
	}
	return ttl
}

// ClearLocks deletes both lock markers. Administrative escape hatch.
func (b *Breaker) ClearLocks(ctx context.Context) error {
	if err := b.store.Del(ctx, SoftLockKey, HardLockKey); err != nil {
		return err
	}
	GetBreakerMetrics().clearsTotal.Inc()
	b.logger.Info("all circuit locks cleared")
	return nil
}

// Cooldown computes a soft lock TTL from the available signals: a
// positive Retry-After wins, then the quota reset time bounded below by
// DefaultSoftTTL, then DefaultSoftTTL.
func Cooldown(retryAfter time.Duration, resetEpoch uint64, now time.Time) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	if resetEpoch > 0 {
		untilReset := time.Duration(int64(resetEpoch)-now.Unix()) * time.Second
		if untilReset > DefaultSoftTTL {
			return untilReset
		}
		return DefaultSoftTTL
	}
	return DefaultSoftTTL
}
