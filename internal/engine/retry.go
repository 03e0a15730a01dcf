package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-engine/internal/domain"
	"github.com/nexus-edge/modbus-engine/internal/metrics"
)

// Executor runs one wire attempt of an operation.
type Executor interface {
	Execute(ctx context.Context, spec domain.OperationSpec, params *domain.RequestParams) (*domain.Response, error)
}

// Reconnecter recreates the connection for a device key. The retry
// controller calls it before every re-attempt: after a failed exchange the
// transport is assumed stale and is never reused as-is.
type Reconnecter interface {
	Recreate(ctx context.Context, key string) error
}

// BackoffPolicy yields the delay before a given retry. retryNum starts at 1
// for the first retry.
type BackoffPolicy interface {
	Delay(retryNum int) time.Duration
}

// LinearBackoff grows the delay with the retry number, then holds it at a
// fixed long delay once the threshold is crossed. With the defaults the
// sequence is 1s, 2s, ... up to the threshold, then 60s forever.
type LinearBackoff struct {
	Base      time.Duration
	Threshold int
	LongDelay time.Duration
}

// DefaultBackoff returns the standard linear-then-flat policy.
func DefaultBackoff() LinearBackoff {
	return LinearBackoff{Base: time.Second, Threshold: 10, LongDelay: time.Minute}
}

func (b LinearBackoff) Delay(retryNum int) time.Duration {
	if b.Threshold > 0 && retryNum >= b.Threshold {
		if b.LongDelay > 0 {
			return b.LongDelay
		}
		return time.Duration(b.Threshold) * b.Base
	}
	return time.Duration(retryNum) * b.Base
}

// RetryingExecutor wraps an executor with the reconnect-and-retry loop.
// Transport failures are retried after a backoff and a mandatory connection
// recreation; device exceptions and preparation failures are final on the
// first attempt. MaxAttempts 0 means retry forever.
type RetryingExecutor struct {
	next      Executor
	reconnect Reconnecter
	policy    BackoffPolicy
	max       int
	sleep     func(ctx context.Context, d time.Duration) error
	logger    zerolog.Logger
	metrics   *metrics.Registry
}

// NewRetryingExecutor wires the retry loop around next. maxAttempts is the
// total attempt budget, 0 for unbounded.
func NewRetryingExecutor(next Executor, reconnect Reconnecter, policy BackoffPolicy, maxAttempts int, logger zerolog.Logger, metricsReg *metrics.Registry) *RetryingExecutor {
	if policy == nil {
		policy = DefaultBackoff()
	}
	return &RetryingExecutor{
		next:      next,
		reconnect: reconnect,
		policy:    policy,
		max:       maxAttempts,
		sleep:     sleepCtx,
		logger:    logger.With().Str("component", "retry").Logger(),
		metrics:   metricsReg,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RetryingExecutor) Execute(ctx context.Context, spec domain.OperationSpec, params *domain.RequestParams) (*domain.Response, error) {
	var lastErr error

	for attempt := 1; ; attempt++ {
		resp, err := r.next.Execute(ctx, spec, params)
		if err == nil {
			if attempt > 1 {
				r.logger.Info().
					Str("operation", string(spec.Name)).
					Int("attempt", attempt).
					Msg("Operation succeeded after retry")
			}
			return resp, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err

		if r.max > 0 && attempt >= r.max {
			r.logger.Error().
				Err(lastErr).
				Str("operation", string(spec.Name)).
				Str("device_key", params.DeviceKey).
				Int("attempts", attempt).
				Msg("Retry budget exhausted")
			return nil, fmt.Errorf("%w after %d attempts: %v", domain.ErrMaxRetriesExceeded, attempt, lastErr)
		}

		delay := r.policy.Delay(attempt)
		r.logger.Warn().
			Err(err).
			Str("operation", string(spec.Name)).
			Str("device_key", params.DeviceKey).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Attempt failed, backing off before reconnect")

		if r.metrics != nil {
			r.metrics.RecordRetry()
		}
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}

		// The connection is replaced even if the failure looked transient;
		// a half-dead socket fails slower than a fresh dial.
		if r.reconnect != nil {
			if err := r.reconnect.Recreate(ctx, params.DeviceKey); err != nil {
				r.logger.Warn().
					Err(err).
					Str("device_key", params.DeviceKey).
					Msg("Reconnect failed, will retry")
			}
		}
	}
}

// retryable reports whether a failure is worth another attempt. Preparation
// failures never are; an open circuit breaker means the device is already
// being shed.
func retryable(err error) bool {
	if domain.IsPreparationError(err) {
		return false
	}
	if errors.Is(err, domain.ErrCircuitBreakerOpen) || errors.Is(err, domain.ErrPoolClosed) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
