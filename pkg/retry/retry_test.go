package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/dbpf/pkg/errors"
)

func TestRetryer_Success(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryer_RetryableError(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = 10 * time.Millisecond
	config.Jitter = false
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		if attempts < 3 {
			return errors.New(errors.TimedOut, "operation timed out")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryer_NonRetryableError(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	retryer := New(config)

	attempts := 0
	testErr := errors.New(errors.NotFound, "handle not found")

	err := retryer.Do(func() error {
		attempts++
		return testErr
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts, "expected no retry for a non-retryable kind")
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = 10 * time.Millisecond
	config.Jitter = false
	retryer := New(config)

	attempts := 0
	testErr := errors.New(errors.Busy, "database locked")

	err := retryer.Do(func() error {
		attempts++
		return testErr
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryer_ContextCancellation(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 10
	config.InitialDelay = 100 * time.Millisecond
	retryer := New(config)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		attempts++
		return errors.New(errors.IoError, "transient I/O failure")
	})

	assert.Error(t, err)
	assert.Less(t, attempts, 10, "expected fewer attempts than MaxAttempts due to cancellation")
}

func TestRetryer_ExponentialBackoff(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 4
	config.InitialDelay = 100 * time.Millisecond
	config.MaxDelay = 1 * time.Second
	config.Multiplier = 2.0
	config.Jitter = false

	var delays []time.Duration
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}

	retryer := New(config)

	err := retryer.Do(func() error {
		return errors.New(errors.Busy, "database locked")
	})

	assert.Error(t, err)

	expectedDelays := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	}
	assert.Equal(t, expectedDelays, delays)
}

func TestRetryer_MaxDelayCap(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 10
	config.InitialDelay = 1 * time.Second
	config.MaxDelay = 2 * time.Second
	config.Multiplier = 2.0
	config.Jitter = false

	var maxDelay time.Duration
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		if delay > maxDelay {
			maxDelay = delay
		}
	}

	retryer := New(config)

	_ = retryer.Do(func() error {
		return errors.New(errors.Busy, "database locked")
	})

	assert.LessOrEqual(t, maxDelay, config.MaxDelay)
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = 10 * time.Millisecond

	callbackCalled := 0
	var lastAttempt int
	var lastErr error
	var lastDelay time.Duration

	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		callbackCalled++
		lastAttempt = attempt
		lastErr = err
		lastDelay = delay
	}

	retryer := New(config)

	testErr := errors.New(errors.Busy, "database locked")
	_ = retryer.Do(func() error {
		return testErr
	})

	assert.Equal(t, 2, callbackCalled)
	assert.Equal(t, 2, lastAttempt)
	assert.Equal(t, testErr, lastErr)
	assert.Positive(t, lastDelay)
}

func TestRetryer_WithMethods(t *testing.T) {
	original := New(DefaultConfig())

	modified := original.WithMaxAttempts(10)
	assert.Equal(t, 10, modified.config.MaxAttempts)
	assert.NotEqual(t, 10, original.config.MaxAttempts, "original config was modified")

	modified = original.WithInitialDelay(500 * time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, modified.config.InitialDelay)

	modified = original.WithMaxDelay(60 * time.Second)
	assert.Equal(t, 60*time.Second, modified.config.MaxDelay)

	called := false
	modified = original.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		called = true
	})

	_ = modified.Do(func() error {
		return errors.New(errors.Busy, "database locked")
	})

	assert.True(t, called, "OnRetry callback was not called")
}

func TestRetryWithBackoff_Convenience(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), 3, func() error {
		attempts++
		if attempts < 2 {
			return errors.New(errors.Busy, "database locked")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryer_RetryableFlagOverridesKind(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = time.Millisecond
	retryer := New(config)

	attempts := 0
	testErr := errors.New(errors.Invalid, "marked retryable despite kind")
	testErr.Retryable = true

	err := retryer.Do(func() error {
		attempts++
		if attempts < 2 {
			return testErr
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestStatsCollector(t *testing.T) {
	collector := NewStatsCollector()

	collector.RecordAttempt(1, true, 100*time.Millisecond)
	collector.RecordAttempt(3, true, 500*time.Millisecond)
	collector.RecordAttempt(5, false, 1*time.Second)

	stats := collector.GetStats()

	assert.EqualValues(t, 3, stats.TotalAttempts)
	assert.EqualValues(t, 2, stats.SuccessfulRetry)
	assert.EqualValues(t, 1, stats.FailedRetry)
	assert.EqualValues(t, 5, stats.MaxAttemptsUsed)

	expectedDelay := 100*time.Millisecond + 500*time.Millisecond + 1*time.Second
	assert.Equal(t, expectedDelay, stats.TotalDelay)

	collector.Reset()
	stats = collector.GetStats()
	assert.Zero(t, stats.TotalAttempts)
}

func TestRetryer_JitterVariance(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = 100 * time.Millisecond
	config.Jitter = true

	var delays []time.Duration
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}

	retryer := New(config)

	_ = retryer.Do(func() error {
		return errors.New(errors.Busy, "database locked")
	})

	baseDelay := config.InitialDelay
	hasVariance := false

	for _, delay := range delays {
		if delay != baseDelay {
			hasVariance = true
			break
		}
		baseDelay = time.Duration(float64(baseDelay) * config.Multiplier)
	}

	assert.True(t, hasVariance, "expected jitter to create variance in delays")
}

func BenchmarkRetryer_Success(b *testing.B) {
	retryer := New(DefaultConfig())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = retryer.Do(func() error {
			return nil
		})
	}
}

func BenchmarkRetryer_WithRetries(b *testing.B) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = 1 * time.Millisecond
	retryer := New(config)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		attempts := 0
		_ = retryer.Do(func() error {
			attempts++
			if attempts < 3 {
				return errors.New(errors.Busy, "database locked")
			}
			return nil
		})
	}
}

func ExampleRetryer() {
	retryer := New(DefaultConfig())

	err := retryer.Do(func() error {
		return fmt.Errorf("temporary failure")
	})

	if err != nil {
		fmt.Println("Operation failed after retries")
	}
}

func ExampleRetryWithBackoff() {
	ctx := context.Background()

	err := RetryWithBackoff(ctx, 5, func() error {
		return nil
	})

	if err != nil {
		fmt.Println("Failed:", err)
	} else {
		fmt.Println("Success")
	}
	// Output: Success
}
