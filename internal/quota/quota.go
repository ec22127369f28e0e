// Package quota tracks the upstream API's self-reported rate-limit
// budget. Snapshots are parsed from response headers and persisted in
// the shared lock store; last write wins, since quota is advisory
// rather than an exact counter.
package quota

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/seee-dashboard/osm-shield/internal/breaker"
	"github.com/seee-dashboard/osm-shield/internal/observability"
	"github.com/seee-dashboard/osm-shield/internal/store"
)

// Lock store keys for the quota snapshot.
const (
	RemainingKey = "rate:quota_remaining"
	LimitKey     = "rate:quota_limit"
	ResetKey     = "rate:quota_reset"
)

// Upstream rate-limit header names.
const (
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderReset     = "X-RateLimit-Reset"
)

// Low-quota thresholds, as fractions of the reported limit.
const (
	warnThreshold = 0.2
	lockThreshold = 0.1
)

// Snapshot is the last-known upstream-reported quota.
type Snapshot struct {
	Remaining uint64 `json:"remaining"`
	Limit     uint64 `json:"limit"`

	// Reset is the window reset time in epoch seconds.
	Reset uint64 `json:"reset"`
}

// PercentUsed returns the consumed share of the window as a percentage.
func (s *Snapshot) PercentUsed() float64 {
	if s == nil || s.Limit == 0 {
		return 0
	}
	return float64(s.Limit-s.Remaining) / float64(s.Limit) * 100
}

// Tracker parses quota headers and maintains the stored snapshot.
type Tracker struct {
	store   store.Store
	breaker *breaker.Breaker
	logger  observability.Logger
	now     func() time.Time
}

// TrackerOption is a functional option for configuring the tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the tracker's time source. Used in tests.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a quota tracker.
func NewTracker(s store.Store, b *breaker.Breaker, logger observability.Logger, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	t := &Tracker{store: s, breaker: b, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ParseHeaders extracts the rate-limit headers from an upstream
// response and persists a snapshot. Headers are optional; if any of the
// three is absent or malformed this is a no-op. A critically low quota
// proactively engages the soft lock.
func (t *Tracker) ParseHeaders(ctx context.Context, headers http.Header) {
	remaining, okRemaining := parseUintHeader(headers, HeaderRemaining)
	limit, okLimit := parseUintHeader(headers, HeaderLimit)
	reset, okReset := parseUintHeader(headers, HeaderReset)

	if !okRemaining || !okLimit || !okReset {
		return
	}

	snap := &Snapshot{Remaining: remaining, Limit: limit, Reset: reset}

	if err := t.store.MSet(ctx, map[string]string{
		RemainingKey: strconv.FormatUint(remaining, 10),
		LimitKey:     strconv.FormatUint(limit, 10),
		ResetKey:     strconv.FormatUint(reset, 10),
	}); err != nil {
		// Losing a snapshot write only costs freshness, never correctness.
		t.logger.Warn("failed to persist quota snapshot", observability.Error(err))
	}

	GetQuotaMetrics().remaining.Set(float64(remaining))
	GetQuotaMetrics().limit.Set(float64(limit))

	// limit == 0 means no usable data; skip the lock triggers.
	if limit == 0 {
		return
	}

	switch {
	case float64(remaining) < float64(limit)*lockThreshold:
		ttl := breaker.Cooldown(0, reset, t.now())
		t.logger.Warn("quota critically low, engaging soft lock",
			observability.Uint64("remaining", remaining),
			observability.Uint64("limit", limit),
			observability.Duration("ttl", ttl))
		t.breaker.SetSoftLock(ctx, ttl, "quota_low")
	case float64(remaining) < float64(limit)*warnThreshold:
		t.logger.Warn("quota running low",
			observability.Uint64("remaining", remaining),
			observability.Uint64("limit", limit),
			observability.Float64("percentUsed", snap.PercentUsed()))
	}
}

// Get returns the stored snapshot, or nil when any component is missing.
func (t *Tracker) Get(ctx context.Context) (*Snapshot, error) {
	vals, err := t.store.MGet(ctx, RemainingKey, LimitKey, ResetKey)
	if err != nil {
		return nil, err
	}
	if len(vals) != 3 || vals[0] == nil || vals[1] == nil || vals[2] == nil {
		return nil, nil
	}

	remaining, err1 := strconv.ParseUint(*vals[0], 10, 64)
	limit, err2 := strconv.ParseUint(*vals[1], 10, 64)
	reset, err3 := strconv.ParseUint(*vals[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, nil
	}

	return &Snapshot{Remaining: remaining, Limit: limit, Reset: reset}, nil
}

func parseUintHeader(headers http.Header, name string) (uint64, bool) {
	raw := headers.Get(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
