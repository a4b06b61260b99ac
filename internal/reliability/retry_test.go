package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("NextDelay grows by the multiplier and is capped", func(t *testing.T) {
		policy := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 5)

		assert.Equal(t, 100*time.Millisecond, policy.NextDelay(0))
		assert.Equal(t, 200*time.Millisecond, policy.NextDelay(1))
		assert.Equal(t, 400*time.Millisecond, policy.NextDelay(2))
		assert.Equal(t, time.Second, policy.NextDelay(5))
	})

	t.Run("jitter stays within fifteen percent", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5).WithJitter(0.15)

		for i := 0; i < 50; i++ {
			delay := policy.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})

	t.Run("jitter fractions are clamped", func(t *testing.T) {
		assert.Zero(t, NewExponentialBackoff(time.Second, time.Second, 2, 1).WithJitter(-1).Jitter)
		assert.Less(t, NewExponentialBackoff(time.Second, time.Second, 2, 1).WithJitter(3).Jitter, 1.0)
	})

	t.Run("ShouldRetry stops at max attempts", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 2)
		err := errors.New("boom")

		ok, _ := policy.ShouldRetry(1, err)
		assert.True(t, ok)
		ok, _ = policy.ShouldRetry(2, err)
		assert.False(t, ok)
	})

	t.Run("ShouldRetry refuses non-retryable errors", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 5)

		ok, _ := policy.ShouldRetry(0, RetryableError{Err: errors.New("bad input"), Retryable: false})
		assert.False(t, ok)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), "publish", NewFixedDelay(time.Millisecond, 3), func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns RetryError when attempts run out", func(t *testing.T) {
		cause := errors.New("unreachable")
		calls := 0
		err := Retry(context.Background(), "publish", NewFixedDelay(time.Millisecond, 2), func() error {
			calls++
			return cause
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns non-retryable errors unchanged", func(t *testing.T) {
		cause := RetryableError{Err: errors.New("bad input"), Retryable: false}
		calls := 0
		err := Retry(context.Background(), "publish", NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			return cause
		})

		assert.Equal(t, cause, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Retry(ctx, "publish", NewFixedDelay(time.Hour, 5), func() error {
			calls++
			cancel()
			return errors.New("transient")
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}
