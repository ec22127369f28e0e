package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seee-dashboard/osm-shield/internal/config"
	"github.com/seee-dashboard/osm-shield/internal/observability"
	"github.com/seee-dashboard/osm-shield/internal/quota"
	"github.com/seee-dashboard/osm-shield/internal/store"
)

func setupGateway(t *testing.T) (*Gateway, *gin.Engine, *miniredis.Miniredis) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisFromClient(client, "", observability.NopLogger())

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(upstream.Close)

	cfg := config.Default()
	cfg.Upstream.BaseURL = upstream.URL
	cfg.Scheduler.MinTime = config.Duration(time.Millisecond)

	gw, err := New(cfg, observability.NopLogger(), WithStore(s))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.sched.Close() })

	return gw, gw.Router(), mr
}

func authGet(t *testing.T, router *gin.Engine, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Authorization", "Bearer token-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGateway_Telemetry(t *testing.T) {
	gw, router, _ := setupGateway(t)

	gw.breaker.SetSoftLock(t.Context(), time.Minute, "upstream_429")

	rec := authGet(t, router, "/telemetry/rate-limit")
	require.Equal(t, http.StatusOK, rec.Code)

	var body TelemetryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.False(t, body.HardLocked)
	assert.True(t, body.SoftLocked)
	assert.Nil(t, body.Quota)
	require.NotNil(t, body.Queue)
	assert.Zero(t, body.Queue.Queued)
}

func TestGateway_TelemetryWithQuota(t *testing.T) {
	gw, router, _ := setupGateway(t)

	h := http.Header{}
	h.Set(quota.HeaderRemaining, "600")
	h.Set(quota.HeaderLimit, "1000")
	h.Set(quota.HeaderReset, "1700000600")
	gw.quota.ParseHeaders(t.Context(), h)

	rec := authGet(t, router, "/telemetry/rate-limit")
	require.Equal(t, http.StatusOK, rec.Code)

	var body TelemetryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	require.NotNil(t, body.Quota)
	assert.Equal(t, uint64(600), body.Quota.Remaining)
	assert.InDelta(t, 40.0, body.Quota.PercentUsed, 0.01)
}

func TestGateway_TelemetryRequiresAuth(t *testing.T) {
	_, router, _ := setupGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/telemetry/rate-limit", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGateway_ClearLocks(t *testing.T) {
	gw, router, _ := setupGateway(t)

	gw.breaker.SetHardLock(t.Context(), 300*time.Second, "abuse_header")
	require.True(t, gw.breaker.IsHardLocked(t.Context()))

	req := httptest.NewRequest(http.MethodPost, "/admin/locks/clear", nil)
	req.Header.Set("Authorization", "Bearer token-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cleared":true}`, rec.Body.String())
	assert.False(t, gw.breaker.IsHardLocked(t.Context()))
}

func TestGateway_Probes(t *testing.T) {
	_, router, mr := setupGateway(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	mr.Close()

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGateway_MetricsEndpoint(t *testing.T) {
	_, router, _ := setupGateway(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shield_proxy_requests_total")
}

func TestGateway_ProxyRouteWired(t *testing.T) {
	_, router, _ := setupGateway(t)

	rec := authGet(t, router, "/api/proxy/ext/generic/startup/?action=getData")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BYPASS", rec.Header().Get("X-Cache"))
}
