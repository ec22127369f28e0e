// Package gateway assembles the shield: the redis-backed store, the
// circuit breaker, the quota tracker, the scheduler, and the proxy
// pipeline, exposed over a single HTTP server together with the
// telemetry, admin, probe, and metrics endpoints.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seee-dashboard/osm-shield/internal/breaker"
	"github.com/seee-dashboard/osm-shield/internal/config"
	"github.com/seee-dashboard/osm-shield/internal/health"
	"github.com/seee-dashboard/osm-shield/internal/middleware"
	"github.com/seee-dashboard/osm-shield/internal/observability"
	"github.com/seee-dashboard/osm-shield/internal/proxy"
	"github.com/seee-dashboard/osm-shield/internal/quota"
	"github.com/seee-dashboard/osm-shield/internal/scheduler"
	"github.com/seee-dashboard/osm-shield/internal/store"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Gateway owns the assembled components and the HTTP server lifecycle.
type Gateway struct {
	cfg      *config.Config
	logger   observability.Logger
	store    store.Store
	breaker  *breaker.Breaker
	quota    *quota.Tracker
	sched    *scheduler.Scheduler
	handler  *proxy.Handler
	checker  *health.Checker
	identity proxy.IdentityProvider
	registry *prometheus.Registry
	server   *http.Server
}

// GatewayOption is a functional option for configuring the gateway.
type GatewayOption func(*Gateway)

// WithStore overrides the lock store. Used in tests.
func WithStore(s store.Store) GatewayOption {
	return func(g *Gateway) {
		g.store = s
	}
}

// WithIdentityProvider overrides the identity provider.
func WithIdentityProvider(p proxy.IdentityProvider) GatewayOption {
	return func(g *Gateway) {
		g.identity = p
	}
}

// New wires up all gateway components from configuration.
func New(cfg *config.Config, logger observability.Logger, opts ...GatewayOption) (*Gateway, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	g := &Gateway{
		cfg:      cfg,
		logger:   logger,
		identity: proxy.TokenIdentity{},
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.store == nil {
		s, err := store.NewRedis(&cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("gateway: connecting lock store: %w", err)
		}
		g.store = s
	}

	g.breaker = breaker.New(g.store, logger)
	g.quota = quota.NewTracker(g.store, g.breaker, logger)
	g.sched = scheduler.New(&cfg.Scheduler, g.breaker, g.quota, logger)

	handler, err := proxy.New(cfg, g.store, g.breaker, g.quota, g.sched,
		proxy.WithLogger(logger),
		proxy.WithIdentityProvider(g.identity),
	)
	if err != nil {
		return nil, err
	}
	g.handler = handler

	g.checker = health.NewChecker(Version)
	g.checker.RegisterCheck("redis", func() health.Check {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := g.store.Ping(ctx); err != nil {
			return health.Check{Status: health.StatusUnhealthy, Message: err.Error()}
		}
		return health.Check{Status: health.StatusHealthy}
	})

	g.registry = newRegistry()

	g.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Bind, cfg.Server.Port),
		Handler:      g.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration(),
		WriteTimeout: cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:  cfg.Server.IdleTimeout.Duration(),
	}

	return g, nil
}

// newRegistry builds the gateway's private metrics registry with all
// component metrics registered and label sets pre-seeded.
func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store.GetStoreMetrics().MustRegister(registry)
	store.GetStoreMetrics().Init()
	breaker.GetBreakerMetrics().MustRegister(registry)
	breaker.GetBreakerMetrics().Init()
	quota.GetQuotaMetrics().MustRegister(registry)
	scheduler.GetSchedulerMetrics().MustRegister(registry)
	scheduler.GetSchedulerMetrics().Init()
	proxy.GetProxyMetrics().MustRegister(registry)
	proxy.GetProxyMetrics().Init()
	middleware.GetMiddlewareMetrics().MustRegister(registry)

	return registry
}

// Router builds the gin engine with the full route table.
func (g *Gateway) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(
		middleware.RequestID(),
		middleware.Logging(g.logger),
		middleware.Recovery(g.logger),
	)

	engine.Any("/api/proxy/*path", g.handler.Handle)

	engine.GET("/telemetry/rate-limit", g.authenticated(g.telemetry))
	engine.POST("/admin/locks/clear", g.authenticated(g.clearLocks))

	engine.GET("/healthz", g.checker.HealthHandler())
	engine.GET("/readyz", g.checker.ReadinessHandler())
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{})))

	return engine
}

// Start begins serving. It returns once the listener stops; a clean
// shutdown returns nil.
func (g *Gateway) Start() error {
	g.logger.Info("gateway listening",
		observability.String("addr", g.server.Addr),
		observability.String("upstream", g.cfg.Upstream.BaseURL))

	if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: serve: %w", err)
	}
	return nil
}

// Shutdown drains the HTTP server, stops the scheduler, and closes the
// lock store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("gateway shutting down")

	err := g.server.Shutdown(ctx)

	if cerr := g.sched.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := g.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
