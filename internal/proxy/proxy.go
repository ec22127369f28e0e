// Package proxy implements the gateway pipeline that shields the
// upstream scouting API: circuit lock checks, read-only enforcement,
// identity resolution, the read-through cache, paced upstream calls via
// the scheduler, and classification of upstream failure signals.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seee-dashboard/osm-shield/internal/breaker"
	"github.com/seee-dashboard/osm-shield/internal/cachescope"
	"github.com/seee-dashboard/osm-shield/internal/config"
	"github.com/seee-dashboard/osm-shield/internal/observability"
	"github.com/seee-dashboard/osm-shield/internal/quota"
	"github.com/seee-dashboard/osm-shield/internal/scheduler"
	"github.com/seee-dashboard/osm-shield/internal/store"
)

// Diagnostic header names.
const (
	HeaderCache       = "X-Cache"
	HeaderCacheBypass = "X-Cache-Bypass"
	HeaderUpstreamURL = "X-Upstream-URL"
	HeaderBlocked     = "X-Blocked"
	HeaderRetryAfter  = "Retry-After"
)

// X-Cache states.
const (
	CacheHit    = "HIT"
	CacheMiss   = "MISS"
	CacheBypass = "BYPASS"
)

// maxBodyBytes caps how much of an upstream response is buffered.
const maxBodyBytes = 10 << 20

// Handler is the gateway orchestrator. It owns the full per-request
// pipeline; every response it writes carries X-Cache and X-Upstream-URL
// plus best-effort quota headers.
type Handler struct {
	upstream     *url.URL
	client       *http.Client
	store        store.Store
	breaker      *breaker.Breaker
	quota        *quota.Tracker
	sched        *scheduler.Scheduler
	identity     IdentityProvider
	cacheEnabled bool
	cacheTTL     time.Duration
	softTTL      time.Duration
	hardTTL      time.Duration
	logger       observability.Logger
	now          func() time.Time
}

// HandlerOption is a functional option for configuring the handler.
type HandlerOption func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(logger observability.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithHTTPClient sets the upstream HTTP client.
func WithHTTPClient(client *http.Client) HandlerOption {
	return func(h *Handler) {
		h.client = client
	}
}

// WithIdentityProvider overrides the identity provider.
func WithIdentityProvider(p IdentityProvider) HandlerOption {
	return func(h *Handler) {
		h.identity = p
	}
}

// WithClock overrides the handler's time source. Used in tests.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.now = now
	}
}

// New creates the gateway handler.
func New(cfg *config.Config, s store.Store, b *breaker.Breaker, q *quota.Tracker, sched *scheduler.Scheduler, opts ...HandlerOption) (*Handler, error) {
	upstream, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, config.ErrInvalidUpstreamURL
	}

	h := &Handler{
		upstream:     upstream,
		store:        s,
		breaker:      b,
		quota:        q,
		sched:        sched,
		identity:     TokenIdentity{},
		cacheEnabled: cfg.Cache.Enabled,
		cacheTTL:     cfg.Cache.TTL.Duration(),
		softTTL:      cfg.Locks.SoftTTL.Duration(),
		hardTTL:      cfg.Locks.HardTTL.Duration(),
		logger:       observability.NopLogger(),
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.client == nil {
		h.client = &http.Client{Timeout: cfg.Upstream.RequestTimeout.Duration()}
	}
	if h.cacheTTL <= 0 {
		h.cacheTTL = cachescope.DefaultTTL
	}
	if h.softTTL <= 0 {
		h.softTTL = breaker.DefaultSoftTTL
	}
	if h.hardTTL <= 0 {
		h.hardTTL = breaker.DefaultHardTTL
	}

	return h, nil
}

// Handle serves one gateway request. Registered for all methods on the
// proxy wildcard route; non-GET verbs are rejected before anything else
// runs so the edge stays strictly read-only.
func (h *Handler) Handle(c *gin.Context) {
	ctx := c.Request.Context()

	upstreamTarget := h.upstreamURL(c.Param("path"), c.Request.URL.Query())
	c.Header(HeaderUpstreamURL, upstreamTarget)

	if c.Request.Method != http.MethodGet {
		c.Header(HeaderCache, CacheBypass)
		h.applyQuotaHeaders(c, nil)
		h.writeError(c, http.StatusForbidden, CodeMethodNotAllowed,
			"only read operations are permitted through the gateway", 0)
		return
	}

	if h.breaker.IsHardLocked(ctx) {
		retry := int(h.hardTTL.Seconds())
		c.Header(HeaderCache, CacheBypass)
		h.applyQuotaHeaders(c, nil)
		h.writeError(c, http.StatusServiceUnavailable, CodeSystemHalted,
			"upstream access is halted after an abuse signal", retry)
		return
	}

	if h.breaker.IsSoftLocked(ctx) {
		retry := int(h.softTTL.Seconds())
		c.Header(HeaderCache, CacheBypass)
		h.applyQuotaHeaders(c, nil)
		h.writeError(c, http.StatusTooManyRequests, CodeRateLimited,
			"cooling down after upstream rate limiting", retry)
		return
	}

	cred, err := h.identity.Identify(c.Request)
	if err != nil {
		c.Header(HeaderCache, CacheBypass)
		h.applyQuotaHeaders(c, nil)
		h.writeError(c, http.StatusUnauthorized, CodeUnauthenticated,
			"a valid upstream credential is required", 0)
		return
	}

	params := c.Request.URL.Query()
	res := cachescope.Resolve(cred.UserID, c.Param("path"), params)
	bypass := c.GetHeader(HeaderCacheBypass) != ""
	cacheable := h.cacheEnabled && !bypass && res.Scope != cachescope.ScopeNone

	cacheState := CacheBypass
	if cacheable {
		cacheState = CacheMiss
		if body, ok := h.cacheRead(c, res.Key); ok {
			c.Header(HeaderCache, CacheHit)
			h.applyQuotaHeaders(c, nil)
			GetProxyMetrics().requestsTotal.WithLabelValues("ok").Inc()
			c.Data(http.StatusOK, "application/json", body)
			return
		}
	} else {
		GetProxyMetrics().cacheTotal.WithLabelValues("bypass").Inc()
	}

	// Once admitted, the upstream call must outlive a caller that hangs
	// up. Cancellation aborts only the wait in the scheduler queue; a
	// fetch already in flight completes, and its result still lands in
	// the cache and quota state for future readers.
	upstreamCtx := context.WithoutCancel(ctx)

	var (
		resp     *http.Response
		respBody []byte
	)
	schedErr := h.sched.Schedule(ctx, scheduler.DefaultPriority, func() error {
		req, reqErr := http.NewRequestWithContext(upstreamCtx, http.MethodGet, upstreamTarget, nil)
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Authorization", "Bearer "+cred.Token)
		req.Header.Set("Accept", "application/json")

		start := h.now()
		r, doErr := h.client.Do(req)
		if doErr != nil {
			return doErr
		}
		defer func() { _ = r.Body.Close() }()

		respBody, reqErr = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		GetProxyMetrics().upstreamDuration.
			WithLabelValues(statusClass(r.StatusCode)).
			Observe(h.now().Sub(start).Seconds())

		resp = r
		return reqErr
	})

	if schedErr != nil {
		h.writeScheduleError(c, cacheState, schedErr)
		return
	}

	// Quota headers are parsed on every upstream response, success or
	// not; a critically low budget engages the soft lock here.
	h.quota.ParseHeaders(upstreamCtx, resp.Header)
	h.applyQuotaHeaders(c, resp.Header)
	c.Header(HeaderCache, cacheState)

	if resp.Header.Get(HeaderBlocked) != "" {
		h.breaker.SetHardLock(upstreamCtx, h.hardTTL, "abuse_header")
		h.writeError(c, http.StatusServiceUnavailable, CodeAPIBlocked,
			"upstream has blocked this client", int(h.hardTTL.Seconds()))
		return
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		cooldown := breaker.Cooldown(retryAfter(resp.Header), resetEpoch(resp.Header), h.now())
		h.breaker.SetSoftLock(upstreamCtx, cooldown, "upstream_429")
		h.writeError(c, http.StatusTooManyRequests, CodeRateLimited,
			"upstream rate limit reached", int(cooldown.Seconds()))
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retry := int(retryAfter(resp.Header).Seconds())
		h.writeError(c, resp.StatusCode, CodeAPIError,
			upstreamErrorDetail(resp.StatusCode, respBody), retry)
		return
	}

	if cacheable {
		h.cacheWrite(upstreamCtx, res.Key, respBody, res.TTL)
	}

	GetProxyMetrics().requestsTotal.WithLabelValues("ok").Inc()
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, respBody)
}

// cacheRead returns a stored entry when present and still valid JSON.
// A corrupted entry counts as a miss and is overwritten by the next
// successful upstream response.
func (h *Handler) cacheRead(c *gin.Context, key string) ([]byte, bool) {
	metrics := GetProxyMetrics()

	val, err := h.store.Get(c.Request.Context(), key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Warn("cache read failed",
				observability.String("key", key),
				observability.Error(err))
		}
		metrics.cacheTotal.WithLabelValues("miss").Inc()
		return nil, false
	}

	body := []byte(val)
	if !jsonValid(body) {
		h.logger.Warn("discarding corrupted cache entry",
			observability.String("key", key))
		metrics.cacheTotal.WithLabelValues("corrupt").Inc()
		return nil, false
	}

	metrics.cacheTotal.WithLabelValues("hit").Inc()
	return body, true
}

func (h *Handler) cacheWrite(ctx context.Context, key string, body []byte, ttl time.Duration) {
	if !jsonValid(body) {
		return
	}
	if ttl <= 0 {
		ttl = h.cacheTTL
	}
	if err := h.store.SetEx(ctx, key, string(body), ttl); err != nil {
		// A failed write costs a future hit, not correctness.
		h.logger.Warn("cache write failed",
			observability.String("key", key),
			observability.Error(err))
	}
}

func (h *Handler) writeScheduleError(c *gin.Context, cacheState string, err error) {
	c.Header(HeaderCache, cacheState)
	switch {
	case errors.Is(err, scheduler.ErrRateLimited):
		retry := int(h.softTTL.Seconds())
		h.applyQuotaHeaders(c, nil)
		h.writeError(c, http.StatusTooManyRequests, CodeRateLimited,
			"cooling down after upstream rate limiting", retry)
	default:
		h.logger.Error("upstream call failed", observability.Error(err))
		h.writeError(c, http.StatusInternalServerError, CodeInternalError,
			"upstream request could not be completed", 0)
	}
}

func (h *Handler) writeError(c *gin.Context, status int, code, message string, retryAfterSec int) {
	if retryAfterSec > 0 {
		c.Header(HeaderRetryAfter, strconv.Itoa(retryAfterSec))
	}
	GetProxyMetrics().requestsTotal.WithLabelValues(code).Inc()

	body := ErrorResponse{Error: code, Message: message}
	if retryAfterSec > 0 {
		body.RetryAfter = retryAfterSec
	}
	c.JSON(status, body)
}

// applyQuotaHeaders mirrors the upstream rate-limit headers onto the
// response, falling back to the stored snapshot for any that are
// missing. Best effort only.
func (h *Handler) applyQuotaHeaders(c *gin.Context, upstream http.Header) {
	var snap *quota.Snapshot
	if upstream == nil ||
		upstream.Get(quota.HeaderRemaining) == "" ||
		upstream.Get(quota.HeaderLimit) == "" ||
		upstream.Get(quota.HeaderReset) == "" {
		snap, _ = h.quota.Get(c.Request.Context())
	}

	set := func(name string, stored uint64) {
		if upstream != nil {
			if v := upstream.Get(name); v != "" {
				c.Header(name, v)
				return
			}
		}
		if snap != nil {
			c.Header(name, strconv.FormatUint(stored, 10))
		}
	}

	if snap != nil || upstream != nil {
		var remaining, limit, reset uint64
		if snap != nil {
			remaining, limit, reset = snap.Remaining, snap.Limit, snap.Reset
		}
		set(quota.HeaderRemaining, remaining)
		set(quota.HeaderLimit, limit)
		set(quota.HeaderReset, reset)
	}
}

// upstreamURL builds the masked target URL: the credential travels in
// the Authorization header and never appears here.
func (h *Handler) upstreamURL(path string, params url.Values) string {
	target := *h.upstream
	target.Path = strings.TrimRight(target.Path, "/") + "/" + strings.TrimLeft(path, "/")
	target.RawQuery = params.Encode()
	return target.String()
}

// retryAfter parses a delay-seconds Retry-After header. HTTP-date form
// is not used by this upstream and is ignored.
func retryAfter(headers http.Header) time.Duration {
	raw := headers.Get(HeaderRetryAfter)
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func resetEpoch(headers http.Header) uint64 {
	raw := headers.Get(quota.HeaderReset)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func upstreamErrorDetail(status int, body []byte) string {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 256 {
		detail = detail[:256]
	}
	if detail == "" {
		return fmt.Sprintf("upstream returned status %d", status)
	}
	return fmt.Sprintf("upstream returned status %d: %s", status, detail)
}

func jsonValid(body []byte) bool {
	return len(body) > 0 && json.Valid(body)
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}
