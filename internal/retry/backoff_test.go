package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     80 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  4,
		Jitter:       false,
	}
}

func TestCalculateDelayGrowsAndCaps(t *testing.T) {
	b := NewBackoff(testConfig())

	assert.Equal(t, 10*time.Millisecond, b.GetNextDelay(1))
	assert.Equal(t, 20*time.Millisecond, b.GetNextDelay(2))
	assert.Equal(t, 40*time.Millisecond, b.GetNextDelay(3))
	assert.Equal(t, 80*time.Millisecond, b.GetNextDelay(4))
	assert.Equal(t, 80*time.Millisecond, b.GetNextDelay(10), "delay never exceeds the cap")
}

func TestDelayForPrefersServerHint(t *testing.T) {
	b := NewBackoff(testConfig())

	hint := 30 * time.Millisecond
	assert.Equal(t, hint, b.DelayFor(1, &hint))

	huge := time.Hour
	assert.Equal(t, 80*time.Millisecond, b.DelayFor(1, &huge), "hostile hints are capped")

	assert.Equal(t, 20*time.Millisecond, b.DelayFor(2, nil))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  5,
	})

	attempts := 0
	err := b.Retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  3,
	})

	attempts := 0
	err := b.Retry(context.Background(), func() error {
		attempts++
		return fmt.Errorf("always")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	b := NewBackoff(testConfig())

	fatal := fmt.Errorf("fatal")
	attempts := 0
	err := b.RetryWithPredicate(context.Background(), func() error {
		attempts++
		return fatal
	}, func(err error) bool { return false })

	assert.Equal(t, fatal, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		InitialDelay: time.Hour,
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
		MaxAttempts:  3,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := b.Retry(ctx, func() error { return fmt.Errorf("transient") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJitterStaysWithinBounds(t *testing.T) {
	cfg := testConfig()
	cfg.Jitter = true
	b := NewBackoff(cfg)

	for i := 0; i < 50; i++ {
		d := b.GetNextDelay(2)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 80*time.Millisecond)
	}
}
