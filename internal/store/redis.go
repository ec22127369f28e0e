package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seee-dashboard/osm-shield/internal/config"
	"github.com/seee-dashboard/osm-shield/internal/observability"
	"github.com/seee-dashboard/osm-shield/internal/retry"
)

const storeTracerName = "github.com/seee-dashboard/osm-shield/internal/store"

// redisRetryConfig returns the retry configuration for Redis operations.
func redisRetryConfig() *retry.Config {
	return &retry.Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		JitterFactor:   retry.DefaultJitterFactor,
	}
}

// isRetryableRedisError reports whether the error is a transient
// network/connection error worth retrying.
func isRetryableRedisError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// redisStore implements Store over a go-redis client.
type redisStore struct {
	logger    observability.Logger
	client    *redis.Client
	keyPrefix string
}

// NewRedis creates a Redis-backed store from configuration and verifies
// the connection with a ping.
func NewRedis(cfg *config.RedisConfig, logger observability.Logger) (Store, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.ConnectTimeout > 0 {
		opts.DialTimeout = cfg.ConnectTimeout.Duration()
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout.Duration()
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout.Duration()
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	s := &redisStore{
		logger:    logger,
		client:    client,
		keyPrefix: cfg.KeyPrefix,
	}

	logger.Info("redis store initialized",
		observability.String("keyPrefix", cfg.KeyPrefix),
		observability.Int("poolSize", opts.PoolSize))

	return s, nil
}

// NewRedisFromClient wraps an existing client. Used by tests with miniredis.
func NewRedisFromClient(client *redis.Client, keyPrefix string, logger observability.Logger) Store {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &redisStore{logger: logger, client: client, keyPrefix: keyPrefix}
}

func (s *redisStore) key(k string) string {
	return s.keyPrefix + k
}

// Get retrieves a value with exponential backoff retry.
func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, span := otel.Tracer(storeTracerName).Start(ctx, "store.Get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("store.key", key)),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetStoreMetrics().operationDuration.WithLabelValues("get").Observe(time.Since(start).Seconds())
	}()

	var result string

	err := retry.Do(ctx, redisRetryConfig(), func() error {
		val, getErr := s.client.Get(ctx, s.key(key)).Result()
		if getErr != nil {
			return getErr
		}
		result = val
		return nil
	}, &retry.Options{
		ShouldRetry: isRetryableRedisError,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			s.logger.Debug("retrying redis get",
				observability.String("key", key),
				observability.Int("attempt", attempt))
		},
	})

	if err == nil {
		return result, nil
	}

	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}

	GetStoreMetrics().errorsTotal.WithLabelValues("get").Inc()
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	s.logger.Error("redis get failed",
		observability.String("key", key),
		observability.Error(err))
	return "", err
}

// SetEx stores a value with a TTL, retrying transient failures.
func (s *redisStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, span := otel.Tracer(storeTracerName).Start(ctx, "store.SetEx",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("store.key", key),
			attribute.Int64("store.ttl_ms", ttl.Milliseconds()),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetStoreMetrics().operationDuration.WithLabelValues("setex").Observe(time.Since(start).Seconds())
	}()

	if ttl < 0 {
		ttl = 0
	}

	err := retry.Do(ctx, redisRetryConfig(), func() error {
		return s.client.Set(ctx, s.key(key), value, ttl).Err()
	}, &retry.Options{
		ShouldRetry: isRetryableRedisError,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			s.logger.Debug("retrying redis setex",
				observability.String("key", key),
				observability.Int("attempt", attempt))
		},
	})

	if err == nil {
		s.logger.Debug("store set",
			observability.String("key", key),
			observability.Duration("ttl", ttl))
		return nil
	}

	GetStoreMetrics().errorsTotal.WithLabelValues("setex").Inc()
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	s.logger.Error("redis setex failed",
		observability.String("key", key),
		observability.Error(err))
	return err
}

// Del removes keys, retrying transient failures.
func (s *redisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	ctx, span := otel.Tracer(storeTracerName).Start(ctx, "store.Del",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("store.key_count", len(keys))),
	)
	defer span.End()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}

	err := retry.Do(ctx, redisRetryConfig(), func() error {
		return s.client.Del(ctx, full...).Err()
	}, &retry.Options{
		ShouldRetry: isRetryableRedisError,
	})

	if err != nil {
		GetStoreMetrics().errorsTotal.WithLabelValues("del").Inc()
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		s.logger.Error("redis del failed", observability.Error(err))
		return err
	}

	return nil
}

// MGet returns one value per key; absent keys yield nil entries.
func (s *redisStore) MGet(ctx context.Context, keys ...string) ([]*string, error) {
	ctx, span := otel.Tracer(storeTracerName).Start(ctx, "store.MGet",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("store.key_count", len(keys))),
	)
	defer span.End()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}

	var raw []interface{}

	err := retry.Do(ctx, redisRetryConfig(), func() error {
		res, mgetErr := s.client.MGet(ctx, full...).Result()
		if mgetErr != nil {
			return mgetErr
		}
		raw = res
		return nil
	}, &retry.Options{
		ShouldRetry: isRetryableRedisError,
	})

	if err != nil {
		GetStoreMetrics().errorsTotal.WithLabelValues("mget").Inc()
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		s.logger.Error("redis mget failed", observability.Error(err))
		return nil, err
	}

	out := make([]*string, len(raw))
	for i, v := range raw {
		if str, ok := v.(string); ok {
			val := str
			out[i] = &val
		}
	}
	return out, nil
}

// MSet stores all pairs in a single pipelined round trip.
func (s *redisStore) MSet(ctx context.Context, pairs map[string]string) error {
	if len(pairs) == 0 {
		return nil
	}

	ctx, span := otel.Tracer(storeTracerName).Start(ctx, "store.MSet",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("store.key_count", len(pairs))),
	)
	defer span.End()

	err := retry.Do(ctx, redisRetryConfig(), func() error {
		pipe := s.client.Pipeline()
		for k, v := range pairs {
			pipe.Set(ctx, s.key(k), v, 0)
		}
		_, execErr := pipe.Exec(ctx)
		return execErr
	}, &retry.Options{
		ShouldRetry: isRetryableRedisError,
	})

	if err != nil {
		GetStoreMetrics().errorsTotal.WithLabelValues("mset").Inc()
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		s.logger.Error("redis mset failed", observability.Error(err))
		return err
	}

	return nil
}

// TTL returns the remaining time-to-live of a key.
func (s *redisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, s.key(key)).Result()
	if err != nil {
		GetStoreMetrics().errorsTotal.WithLabelValues("ttl").Inc()
		return 0, err
	}
	// go-redis passes the integer replies -2 (missing) and -1 (no
	// expiry) through unscaled.
	if ttl == time.Duration(-2) {
		return 0, ErrNotFound
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Ping verifies connectivity.
func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *redisStore) Close() error {
	s.logger.Info("redis store closing")
	return s.client.Close()
}
