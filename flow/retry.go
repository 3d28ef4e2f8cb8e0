package flow

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate for
// malformed configurations.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// Backoff selects the delay progression between retry attempts.
type Backoff string

const (
	// BackoffFixed waits Delay between every attempt.
	BackoffFixed Backoff = "fixed"

	// BackoffLinear waits Delay*n before attempt n+1.
	BackoffLinear Backoff = "linear"

	// BackoffExponential waits Delay*2^(n-1) before attempt n+1.
	BackoffExponential Backoff = "exponential"
)

// RetryPolicy defines the attempt loop wrapped around a node dispatch.
//
// When a node execution fails with a retryable error, the policy
// determines how many more attempts are made and how long to wait
// between them. Jitter randomizes delays to avoid synchronized retry
// storms across concurrent nodes.
type RetryPolicy struct {
	// MaxAttempts is the total number of invocations allowed, including
	// the first. Must be >= 1; 1 means no retries.
	MaxAttempts int

	// Delay is the base delay fed into the backoff progression.
	Delay time.Duration

	// Backoff selects the progression. Empty defaults to
	// BackoffExponential.
	Backoff Backoff

	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration

	// Jitter adds a random component in [0, Delay) to each computed
	// delay.
	Jitter bool

	// RetryIf overrides the default error classification. When nil the
	// engine-wide Retryable classification applies: execution and
	// timeout errors retry; cancellation, breaker rejection, and errors
	// marked NonRetryable escape immediately.
	RetryIf func(error) bool
}

// DefaultRetryPolicy is applied to nodes without an explicit policy:
// a single attempt, no retries.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 1}
}

// Validate checks the policy configuration.
func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if p.MaxDelay > 0 && p.Delay > 0 && p.MaxDelay < p.Delay {
		return ErrInvalidRetryPolicy
	}
	switch p.Backoff {
	case "", BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		return ErrInvalidRetryPolicy
	}
	return nil
}

// retryable applies the policy's classification to err.
func (p *RetryPolicy) retryable(err error) bool {
	if p.RetryIf != nil {
		return p.RetryIf(err)
	}
	return Retryable(err)
}

// Do runs fn under the policy: up to MaxAttempts invocations with
// backoff waits between failed ones, stopping early on ctx
// cancellation or a non-retryable error. The executor has its own
// envelope; Do serves per-item retries inside composite nodes.
func (p *RetryPolicy) Do(ctx context.Context, clk Clock, fn func(context.Context) error) error {
	if clk == nil {
		clk = SystemClock()
	}
	rng := rand.New(rand.NewSource(clk.Now().UnixNano())) // #nosec G404 -- jitter, not security
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt >= p.MaxAttempts || !p.retryable(lastErr) {
			break
		}
		if err := clk.Sleep(ctx, p.backoffDelay(attempt, rng)); err != nil {
			return err
		}
	}
	return lastErr
}

// backoffDelay computes the wait before the next attempt. attempt is
// 1-based: the delay after the first failed attempt uses attempt=1.
//
// delay = progression(base, attempt), capped at MaxDelay, plus
// jitter(0, base) when enabled.
func (p *RetryPolicy) backoffDelay(attempt int, rng *rand.Rand) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	var d time.Duration
	switch p.Backoff {
	case BackoffFixed:
		d = p.Delay
	case BackoffLinear:
		d = p.Delay * time.Duration(attempt)
	default: // exponential
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		d = p.Delay * (1 << uint(shift))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter {
		if rng != nil {
			d += time.Duration(rng.Int63n(int64(p.Delay)))
		} else {
			d += time.Duration(rand.Int63n(int64(p.Delay))) // #nosec G404 -- retry timing, not security
		}
	}
	return d
}
