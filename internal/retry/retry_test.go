package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() *Config {
	return &Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		JitterFactor:   0,
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	permanent := errors.New("still broken")
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return permanent
	}, nil)

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 4, calls)
}

func TestDo_ShouldRetryShortCircuits(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return fatal
	}, &Options{
		ShouldRetry: func(err error) bool { return false },
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDo_OnRetryCallback(t *testing.T) {
	var attempts []int
	_ = Do(context.Background(), fastConfig(), func() error {
		return errors.New("transient")
	}, &Options{
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			attempts = append(attempts, attempt)
		},
	})

	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastConfig(), func() error {
		return errors.New("transient")
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoff(t *testing.T) {
	initial := 100 * time.Millisecond
	max := 2 * time.Second

	assert.Equal(t, 100*time.Millisecond, CalculateBackoff(0, initial, max, 0))
	assert.Equal(t, 200*time.Millisecond, CalculateBackoff(1, initial, max, 0))
	assert.Equal(t, 400*time.Millisecond, CalculateBackoff(2, initial, max, 0))
	// Capped at the maximum.
	assert.Equal(t, max, CalculateBackoff(10, initial, max, 0))
}

func TestCalculateBackoff_Jitter(t *testing.T) {
	initial := 100 * time.Millisecond

	for i := 0; i < 20; i++ {
		backoff := CalculateBackoff(0, initial, 2*time.Second, 0.25)
		assert.GreaterOrEqual(t, backoff, initial)
		assert.LessOrEqual(t, backoff, 125*time.Millisecond)
	}
}
