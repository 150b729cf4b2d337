// Package retry is the bounded retry boundary around backend, provider and
// sanitizer calls. Only upstream failures are retried, and a call that may
// already have had a side effect is re-run only for idempotent targets.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
)

// Policy configures retries for one call.
type Policy struct {
	MaxAttempts     int           `yaml:"max_attempts" validate:"gte=1,lte=10"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	// AttemptTimeout bounds every single attempt. Zero leaves attempts
	// bounded only by the caller's context.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	// Idempotent allows re-running attempts whose request reached the
	// upstream.
	Idempotent bool `yaml:"idempotent"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		AttemptTimeout:  30 * time.Second,
	}
}

// Notify is called before every retry with the failed attempt number.
type Notify func(attempt int, err error, wait time.Duration)

// Do runs fn until it succeeds, fails with a non-retryable error or runs out
// of attempts. target names the upstream in timeout errors. The returned
// UpstreamError, if any, carries the number of attempts made.
func Do[T any](ctx context.Context, p Policy, target string, notify Notify, fn func(ctx context.Context) (T, error)) (T, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(nonZero(p.InitialInterval, 100*time.Millisecond)),
				backoff.WithMaxInterval(nonZero(p.MaxInterval, 2*time.Second)),
				backoff.WithMaxElapsedTime(0),
			),
			uint64(p.MaxAttempts-1),
		),
		ctx,
	)

	var (
		attempt int
		lastErr error
	)
	res, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		v, err := runAttempt(ctx, p.AttemptTimeout, target, fn)
		if err == nil {
			return v, nil
		}
		lastErr = err
		ue, ok := gwerr.AsUpstream(err)
		if !ok || !ue.Retryable(p.Idempotent) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, err, wait)
		}
	})
	if err != nil {
		if ctx.Err() != nil && lastErr != nil {
			err = lastErr
		}
		if ue, ok := gwerr.AsUpstream(err); ok {
			ue.Attempts = attempt
		}
	}
	return res, err
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, target string, fn func(ctx context.Context) (T, error)) (T, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	v, err := fn(attemptCtx)
	if err == nil {
		return v, nil
	}
	// A deadline hit by this attempt alone is an upstream timeout. Whether
	// the request was delivered is unknown, so it counts as delivered.
	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		if ue, ok := gwerr.AsUpstream(err); ok {
			ue.Timeout = true
			return v, err
		}
		return v, &gwerr.UpstreamError{Target: target, Timeout: true, Delivered: true, Err: err}
	}
	return v, err
}

func nonZero(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
