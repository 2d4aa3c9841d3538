package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercent(t *testing.T) {
	assert.Equal(t, 100, Percent(0, 0))
	assert.Equal(t, 60, Percent(3, 5))
	assert.Equal(t, 67, Percent(2, 3))
	assert.Equal(t, 33, Percent(1, 3))
	assert.Equal(t, 0, Percent(0, 4))
}

func TestDistanceMeters(t *testing.T) {
	t.Run("Same Point", func(t *testing.T) {
		assert.InDelta(t, 0, DistanceMeters(40.0, -73.0, 40.0, -73.0), 1e-9)
	})

	t.Run("One Thousandth Degree Latitude", func(t *testing.T) {
		// ~111 m per 0.001 degree of latitude
		d := DistanceMeters(40.0, -73.0, 40.001, -73.0)
		assert.InDelta(t, 111.2, d, 0.5)
	})
}

func TestExponentialBackoff(t *testing.T) {
	cfg := RetryConfig{Delay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, cfg.BackoffDelay(1))
	assert.Equal(t, 20*time.Millisecond, cfg.BackoffDelay(2))
	assert.Equal(t, 40*time.Millisecond, cfg.BackoffDelay(3))
	assert.Equal(t, 50*time.Millisecond, cfg.BackoffDelay(4))
}

func TestRetry(t *testing.T) {
	fast := RetryConfig{MaxAttempts: 3, Delay: time.Millisecond}

	t.Run("Succeeds Eventually", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		}, fast)
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("Stops On Non Retryable", func(t *testing.T) {
		permanent := errors.New("permanent")
		cfg := fast
		cfg.Retryable = func(err error) bool { return !errors.Is(err, permanent) }
		calls := 0
		err := Retry(context.Background(), func() error {
			calls++
			return permanent
		}, cfg)
		assert.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, calls)
	})

	t.Run("Exhausts Attempts", func(t *testing.T) {
		err := Retry(context.Background(), func() error { return errors.New("boom") }, fast)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed after 3 attempts")
	})
}

func TestRemoveDuplicates(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, RemoveDuplicates([]string{"a", "b", "a"}))
}
