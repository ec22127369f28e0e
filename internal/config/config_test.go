package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 1000, cfg.Scheduler.HourlyLimit)
	assert.Equal(t, 0.8, cfg.Scheduler.SafetyFactor)
	assert.Equal(t, 50*time.Millisecond, cfg.Scheduler.MinTime.Duration())
	assert.Equal(t, 5, cfg.Scheduler.MaxConcurrent)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, time.Hour, cfg.Cache.TTL.Duration())
	assert.Equal(t, 60*time.Second, cfg.Locks.SoftTTL.Duration())
	assert.Equal(t, 300*time.Second, cfg.Locks.HardTTL.Duration())
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "osm-shield", cfg.Tracing.ServiceName)
	assert.Equal(t, 1.0, cfg.Tracing.SamplingRate)

	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shield.yaml")
	content := `server:
  port: 9090
scheduler:
  hourlyLimit: 500
  minTime: 25ms
cache:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 500, cfg.Scheduler.HourlyLimit)
	assert.Equal(t, 25*time.Millisecond, cfg.Scheduler.MinTime.Duration())
	assert.False(t, cfg.Cache.Enabled)

	// Unset fields keep their defaults.
	assert.Equal(t, 0.8, cfg.Scheduler.SafetyFactor)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SHIELD_PORT", "7070")
	t.Setenv("SHIELD_REDIS_URL", "redis://redis.internal:6379")
	t.Setenv("SHIELD_UPSTREAM_URL", "https://upstream.example.com")
	t.Setenv("SHIELD_HOURLY_LIMIT", "250")
	t.Setenv("SHIELD_OTLP_ENDPOINT", "otel-collector:4317")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "redis://redis.internal:6379", cfg.Redis.URL)
	assert.Equal(t, "https://upstream.example.com", cfg.Upstream.BaseURL)
	assert.Equal(t, 250, cfg.Scheduler.HourlyLimit)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "otel-collector:4317", cfg.Tracing.OTLPEndpoint)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: true,
		},
		{
			name:    "relative upstream URL",
			mutate:  func(c *Config) { c.Upstream.BaseURL = "/not/absolute" },
			wantErr: true,
		},
		{
			name:    "empty redis URL",
			mutate:  func(c *Config) { c.Redis.URL = "" },
			wantErr: true,
		},
		{
			name:    "zero hourly limit",
			mutate:  func(c *Config) { c.Scheduler.HourlyLimit = 0 },
			wantErr: true,
		},
		{
			name:    "safety factor above one",
			mutate:  func(c *Config) { c.Scheduler.SafetyFactor = 1.5 },
			wantErr: true,
		},
		{
			name:    "zero cache TTL while enabled",
			mutate:  func(c *Config) { c.Cache.TTL = 0 },
			wantErr: true,
		},
		{
			name: "zero cache TTL while disabled",
			mutate: func(c *Config) {
				c.Cache.Enabled = false
				c.Cache.TTL = 0
			},
		},
		{
			name:    "sampling rate above one",
			mutate:  func(c *Config) { c.Tracing.SamplingRate = 1.5 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"90s"`)))
	assert.Equal(t, 90*time.Second, d.Duration())

	out, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))

	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))
}
