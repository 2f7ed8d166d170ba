// Package retry implements the Retrier of spec §4.4: exponential backoff
// with jitter over a closed error classification, logging each attempt.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rakunlabs/connectgate/internal/errtax"
	"github.com/rakunlabs/logi"
)

// Jitter selects how backoff intervals are randomized.
type Jitter string

const (
	JitterNone  Jitter = "none"
	JitterEqual Jitter = "equal"
	JitterFull  Jitter = "full"
)

// Policy parameterizes a Retrier. Defaults match spec §4.4.
type Policy struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	Multiplier       float64
	Jitter           Jitter
}

// DefaultPolicy is the policy every connector gets unless it overrides one.
var DefaultPolicy = Policy{
	MaxAttempts:    4,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Multiplier:     2.0,
	Jitter:         JitterFull,
}

// Retrier runs an operation under a Policy, retrying only errors that
// errtax.Retryable classifies as retryable.
type Retrier struct {
	policy Policy
}

func New(policy Policy) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy
	}
	return &Retrier{policy: policy}
}

// Do runs fn, retrying on retryable errtax errors up to MaxAttempts,
// honoring any RetryAfter hint attached to a RateLimitError in place of
// the computed backoff interval, and logging each attempt via logi. The
// exponential-backoff schedule itself comes from cenkalti/backoff/v4;
// Do drives it by hand (rather than backoff.Retry) so a server-specified
// Retry-After can override a single interval without distorting the
// growth of every interval after it.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	eb := r.newBackoff()

	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !errtax.Retryable(err) {
			logi.Ctx(ctx).Warn("retry: non-retryable error", "op", op, "attempt", attempt, "error", err)
			return err
		}

		if attempt == r.policy.MaxAttempts {
			logi.Ctx(ctx).Warn("retry: attempts exhausted", "op", op, "attempt", attempt, "error", err)
			return err
		}

		wait := eb.NextBackOff()
		if seconds, ok := errtax.RetryAfterSeconds(err); ok {
			wait = time.Duration(seconds) * time.Second
		}

		logi.Ctx(ctx).Info("retry: retrying", "op", op, "attempt", attempt, "error", err, "wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

func (r *Retrier) newBackoff() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.policy.InitialBackoff
	eb.MaxInterval = r.policy.MaxBackoff
	eb.Multiplier = r.policy.Multiplier
	eb.MaxElapsedTime = 0 // bounded by MaxAttempts, not wall-clock

	if r.policy.Jitter == JitterNone {
		eb.RandomizationFactor = 0
	} else {
		eb.RandomizationFactor = backoff.DefaultRandomizationFactor
	}

	eb.Reset()

	return eb
}
