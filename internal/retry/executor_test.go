package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/metrics"
	"github.com/watchmark/watchmark/internal/models"
	"github.com/watchmark/watchmark/internal/retry"
)

func newExecutor(policy retry.Policy) *retry.Executor {
	return retry.New(policy, events.NewNopLogger(), metrics.NewCollector())
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
		Timeout:       time.Second,
	}
}

func TestExecutorSucceedsFirstTry(t *testing.T) {
	exec := newExecutor(fastPolicy())

	calls := 0
	err := exec.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecutorRetriesTransientFailures(t *testing.T) {
	exec := newExecutor(fastPolicy())

	calls := 0
	err := exec.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &models.OpError{Op: "op", Err: errors.New("transient")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecutorExhaustsAttempts(t *testing.T) {
	exec := newExecutor(fastPolicy())

	calls := 0
	err := exec.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return &models.OpError{Op: "op", Err: errors.New("always failing")}
	})

	assert.Equal(t, 3, calls)
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "op", exhausted.Op)
	assert.Equal(t, 3, exhausted.Attempts)

	var op *models.OpError
	assert.ErrorAs(t, err, &op)
}

func TestExecutorDoesNotRetryNotFound(t *testing.T) {
	exec := newExecutor(fastPolicy())

	calls := 0
	err := exec.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return models.ErrNotFound
	})

	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestExecutorDoesNotRetryInvalidData(t *testing.T) {
	exec := newExecutor(fastPolicy())

	calls := 0
	err := exec.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return &models.InvalidDataError{Field: "title", Reason: "bad"}
	})

	var invalid *models.InvalidDataError
	assert.ErrorAs(t, err, &invalid)
	assert.Equal(t, 1, calls)
}

func TestExecutorTimeoutAbortsHungOperation(t *testing.T) {
	policy := fastPolicy()
	policy.Timeout = 20 * time.Millisecond
	exec := newExecutor(policy)

	started := time.Now()
	err := exec.Do(context.Background(), "op", func(ctx context.Context) error {
		// Ignores its context entirely; the executor must still
		// return once the overall deadline passes.
		time.Sleep(time.Second)
		return nil
	})

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 500*time.Millisecond)
}

func TestExecutorCancellationDuringBackoff(t *testing.T) {
	policy := fastPolicy()
	policy.InitialDelay = time.Second
	exec := newExecutor(policy)

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := exec.Do(ctx, "op", func(ctx context.Context) error {
		calls++
		return &models.OpError{Op: "op", Err: errors.New("transient")}
	})

	assert.Equal(t, 1, calls)
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecutorBackoffGrows(t *testing.T) {
	policy := retry.Policy{
		MaxAttempts:   3,
		InitialDelay:  20 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2,
	}
	exec := newExecutor(policy)

	started := time.Now()
	_ = exec.Do(context.Background(), "op", func(ctx context.Context) error {
		return &models.OpError{Op: "op", Err: errors.New("transient")}
	})

	// Two sleeps: 20ms then 40ms.
	assert.GreaterOrEqual(t, time.Since(started), 60*time.Millisecond)
}
