package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		cfg       LogConfig
		expectErr bool
	}{
		{name: "defaults", cfg: DefaultLogConfig()},
		{name: "console format", cfg: LogConfig{Level: "debug", Format: "console"}},
		{name: "warn level", cfg: LogConfig{Level: "warn", Format: "json"}},
		{name: "invalid level", cfg: LogConfig{Level: "loud", Format: "json"}, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)

			logger.Info("message", String("key", "value"), Int("n", 1))
			child := logger.With(String("component", "test"))
			child.Debug("child message")
		})
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.Info("discarded")
	logger.Error("also discarded", Error(assert.AnError))
	assert.NoError(t, logger.Sync())
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestIDFromContext(ctx))

	ctx = ContextWithRequestID(ctx, "req-42")
	assert.Equal(t, "req-42", RequestIDFromContext(ctx))
}

func TestWithContextAttachesRequestID(t *testing.T) {
	logger, err := NewLogger(DefaultLogConfig())
	require.NoError(t, err)

	ctx := ContextWithRequestID(context.Background(), "req-42")
	scoped := logger.WithContext(ctx)
	require.NotNil(t, scoped)
	scoped.Info("scoped message")
}
