// Package retry hardens durable operations against transient failure with
// exponential backoff and an overall timeout. Callers must ensure
// at-least-once semantics are safe; the executor assumes nothing about
// partial side effects.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/watchmark/watchmark/internal/config"
	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/metrics"
	"github.com/watchmark/watchmark/internal/models"
)

// Policy controls retry behavior. Delay for attempt n is
// min(InitialDelay * BackoffFactor^n, MaxDelay). A non-zero Timeout
// bounds the whole call including backoff sleeps.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Timeout       time.Duration
}

// DefaultPolicy matches the coordinator's default configuration.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2,
		Timeout:       30 * time.Second,
	}
}

// PolicyFromConfig builds a policy from config.
func PolicyFromConfig(cfg *config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:   cfg.MaxAttempts,
		InitialDelay:  cfg.InitialDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
		Timeout:       cfg.Timeout,
	}
}

// ExhaustedError is returned when all attempts fail. It carries the
// operation name, attempt count, and the last underlying error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: exhausted %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Executor runs named operations under a retry policy.
type Executor struct {
	policy  Policy
	logger  *events.Logger
	metrics *metrics.Collector
}

// New creates an executor.
func New(policy Policy, logger *events.Logger, collector *metrics.Collector) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = 1
	}
	return &Executor{
		policy:  policy,
		logger:  logger.WithField("component", "retry"),
		metrics: collector,
	}
}

// Do executes fn, retrying transient failures with exponential backoff.
// NotFound and validation errors pass through on the first failure;
// retrying them cannot change the outcome. Context cancellation aborts
// between attempts and during backoff sleeps.
func (e *Executor) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	if e.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.policy.Timeout)
		defer cancel()
	}

	var lastErr error
	delay := e.policy.InitialDelay

	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			e.metrics.RecordRetry()
			e.logger.WithFields(map[string]interface{}{
				"op":      op,
				"attempt": attempt,
				"delay":   delay.String(),
			}).Debug("Retrying operation")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &ExhaustedError{Op: op, Attempts: attempt, Err: ctx.Err()}
			}

			delay = time.Duration(float64(delay) * e.policy.BackoffFactor)
			if e.policy.MaxDelay > 0 && delay > e.policy.MaxDelay {
				delay = e.policy.MaxDelay
			}
		}

		// Race the attempt against the deadline so a hung operation
		// cannot outlive the overall timeout.
		errCh := make(chan error, 1)
		go func() { errCh <- fn(ctx) }()

		var err error
		select {
		case err = <-errCh:
		case <-ctx.Done():
			e.metrics.RecordRetryExhausted()
			return &ExhaustedError{Op: op, Attempts: attempt + 1, Err: ctx.Err()}
		}

		if err == nil {
			return nil
		}
		lastErr = err

		if !models.IsRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			break
		}
	}

	e.metrics.RecordRetryExhausted()
	e.logger.WithError(lastErr).WithField("op", op).Warn("Operation failed after all attempts")
	return &ExhaustedError{Op: op, Attempts: e.policy.MaxAttempts, Err: lastErr}
}
