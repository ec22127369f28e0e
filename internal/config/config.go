package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Validation errors.
var (
	// ErrInvalidUpstreamURL indicates that the upstream base URL is not
	// a valid absolute URL.
	ErrInvalidUpstreamURL = errors.New("invalid upstream base URL")

	// ErrInvalidRedisURL indicates that the redis URL is empty or malformed.
	ErrInvalidRedisURL = errors.New("invalid redis URL")
)

// Config holds all configuration settings for the shield.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Upstream  UpstreamConfig  `json:"upstream" yaml:"upstream"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Locks     LockConfig      `json:"locks" yaml:"locks"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Bind            string   `json:"bind" yaml:"bind"`
	Port            int      `json:"port" yaml:"port"`
	ReadTimeout     Duration `json:"readTimeout" yaml:"readTimeout"`
	WriteTimeout    Duration `json:"writeTimeout" yaml:"writeTimeout"`
	IdleTimeout     Duration `json:"idleTimeout" yaml:"idleTimeout"`
	ShutdownTimeout Duration `json:"shutdownTimeout" yaml:"shutdownTimeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	Output string `json:"output" yaml:"output"`
}

// RedisConfig holds lock store connection settings.
type RedisConfig struct {
	URL            string   `json:"url" yaml:"url"`
	KeyPrefix      string   `json:"keyPrefix" yaml:"keyPrefix"`
	PoolSize       int      `json:"poolSize" yaml:"poolSize"`
	ConnectTimeout Duration `json:"connectTimeout" yaml:"connectTimeout"`
	ReadTimeout    Duration `json:"readTimeout" yaml:"readTimeout"`
	WriteTimeout   Duration `json:"writeTimeout" yaml:"writeTimeout"`
}

// UpstreamConfig holds settings for the upstream scout-management API.
type UpstreamConfig struct {
	BaseURL        string   `json:"baseURL" yaml:"baseURL"`
	RequestTimeout Duration `json:"requestTimeout" yaml:"requestTimeout"`
}

// SchedulerConfig holds request scheduler settings.
type SchedulerConfig struct {
	// HourlyLimit is the assumed upstream hourly call limit. The
	// starting reservoir is SafetyFactor * HourlyLimit.
	HourlyLimit     int      `json:"hourlyLimit" yaml:"hourlyLimit"`
	SafetyFactor    float64  `json:"safetyFactor" yaml:"safetyFactor"`
	RefreshInterval Duration `json:"refreshInterval" yaml:"refreshInterval"`
	MinTime         Duration `json:"minTime" yaml:"minTime"`
	MaxConcurrent   int      `json:"maxConcurrent" yaml:"maxConcurrent"`
}

// CacheConfig holds read-through cache settings.
type CacheConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	TTL     Duration `json:"ttl" yaml:"ttl"`
}

// LockConfig holds circuit lock TTL settings.
type LockConfig struct {
	SoftTTL Duration `json:"softTTL" yaml:"softTTL"`
	HardTTL Duration `json:"hardTTL" yaml:"hardTTL"`
}

// TracingConfig holds OpenTelemetry export settings.
type TracingConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	OTLPEndpoint string  `json:"otlpEndpoint" yaml:"otlpEndpoint"`
	ServiceName  string  `json:"serviceName" yaml:"serviceName"`
	SamplingRate float64 `json:"samplingRate" yaml:"samplingRate"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(60 * time.Second),
			IdleTimeout:     Duration(120 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Redis: RedisConfig{
			URL:       "redis://localhost:6379",
			KeyPrefix: "",
			PoolSize:  10,
		},
		Upstream: UpstreamConfig{
			BaseURL:        "https://www.onlinescoutmanager.co.uk",
			RequestTimeout: Duration(30 * time.Second),
		},
		Scheduler: SchedulerConfig{
			HourlyLimit:     1000,
			SafetyFactor:    0.8,
			RefreshInterval: Duration(60 * time.Second),
			MinTime:         Duration(50 * time.Millisecond),
			MaxConcurrent:   5,
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     Duration(time.Hour),
		},
		Locks: LockConfig{
			SoftTTL: Duration(60 * time.Second),
			HardTTL: Duration(300 * time.Second),
		},
		Tracing: TracingConfig{
			Enabled:      false,
			ServiceName:  "osm-shield",
			SamplingRate: 1.0,
		},
	}
}

// Load reads configuration from the given YAML file, applies environment
// variable overrides, and validates the result. A missing file is not an
// error; defaults plus environment overrides are used instead.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies SHIELD_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SHIELD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SHIELD_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("SHIELD_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("SHIELD_UPSTREAM_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("SHIELD_HOURLY_LIMIT"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			c.Scheduler.HourlyLimit = limit
		}
	}
	if v := os.Getenv("SHIELD_OTLP_ENDPOINT"); v != "" {
		c.Tracing.Enabled = true
		c.Tracing.OTLPEndpoint = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidUpstreamURL, c.Upstream.BaseURL)
	}

	if c.Redis.URL == "" {
		return ErrInvalidRedisURL
	}

	if c.Scheduler.HourlyLimit <= 0 {
		return fmt.Errorf("scheduler hourly limit must be positive, got %d", c.Scheduler.HourlyLimit)
	}
	if c.Scheduler.SafetyFactor <= 0 || c.Scheduler.SafetyFactor > 1 {
		return fmt.Errorf("scheduler safety factor must be in (0, 1], got %v", c.Scheduler.SafetyFactor)
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler max concurrent must be positive, got %d", c.Scheduler.MaxConcurrent)
	}

	if c.Cache.Enabled && c.Cache.TTL.Duration() <= 0 {
		return fmt.Errorf("cache TTL must be positive when cache is enabled")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing sampling rate must be in [0, 1], got %v", c.Tracing.SamplingRate)
	}

	return nil
}
