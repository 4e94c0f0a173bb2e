/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// IsRetryable defines a func that can tell if error is retryable as opposed to persistent.
type IsRetryable func(error) bool

// RetryableFunc is function that does some work and can be potentially retried.
type RetryableFunc func(ctx context.Context) error

// Policy defines backoff strategy.
type Policy interface {
	NewBackOff() backoff.BackOff
}

// DoWithRetry executes fn with retry according to policy p and with respect to context ctx.
// IsRetryable defines which errors lead to retry attempt (can be nil for any error).
// Notify can be used to receive notification on every retry with error and backoff delay
// (can be nil if no notifications required).
func DoWithRetry(ctx context.Context, p Policy, isRetryable IsRetryable, notify backoff.Notify, fn RetryableFunc) error {
	b := p.NewBackOff()
	bctx := backoff.WithContext(b, ctx)
	var op backoff.Operation = func() error {
		err := fn(bctx.Context())
		if err != nil &&
			(isRetryable != nil && !isRetryable(err)) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(op, bctx, notify)
}

// The PolicyFunc type is an adapter to allow the use of ordinary functions as retry.Policy.
type PolicyFunc func() backoff.BackOff

// NewBackOff implements retry.Policy.
func (f PolicyFunc) NewBackOff() backoff.BackOff {
	return f()
}

// ExponentialBackoffPolicy means repeat up to max times with exponentially growing delays.
type ExponentialBackoffPolicy struct {
	initialInterval time.Duration
	maxAttempts     int
	opts            ExponentialBackoffPolicyOpts
}

// ExponentialBackoffPolicyOpts represents options for ExponentialBackoffPolicy.
// Zero value of any field means that the corresponding backoff default will be used.
type ExponentialBackoffPolicyOpts struct {
	// Multiplier is a factor by which the delay is multiplied after each retry attempt (1.5 by default).
	Multiplier float64

	// MaxInterval caps the delay of a single retry attempt (1 minute by default).
	MaxInterval time.Duration

	// RandomizationFactor f spreads each delay over [delay*(1-f), delay*(1+f)] (0.5 by default).
	// Negative value disables the randomization, making delays deterministic.
	RandomizationFactor float64

	// MaxElapsedTime limits the total time of all attempts (15 minutes by default).
	// Negative value removes the limit, so that retries are stopped only by the attempts counter.
	MaxElapsedTime time.Duration

	// FullJitter replaces each computed delay with a uniformly random one from [0, delay].
	// Unlike RandomizationFactor, the realized delay never exceeds the computed one.
	FullJitter bool
}

// NewExponentialBackoffPolicy returns an exponential backoff policy with given initial interval and max retry attempt count.
func NewExponentialBackoffPolicy(initialInterval time.Duration, maxRetryAttempts int) ExponentialBackoffPolicy {
	return ExponentialBackoffPolicy{initialInterval, maxRetryAttempts, ExponentialBackoffPolicyOpts{}}
}

// NewExponentialBackoffPolicyWithOpts is a more configurable version of NewExponentialBackoffPolicy.
func NewExponentialBackoffPolicyWithOpts(
	initialInterval time.Duration, maxRetryAttempts int, opts ExponentialBackoffPolicyOpts,
) ExponentialBackoffPolicy {
	return ExponentialBackoffPolicy{initialInterval, maxRetryAttempts, opts}
}

// NewBackOff implements retry.Policy.
func (p ExponentialBackoffPolicy) NewBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.initialInterval
	if p.opts.Multiplier > 0 {
		eb.Multiplier = p.opts.Multiplier
	}
	if p.opts.MaxInterval > 0 {
		eb.MaxInterval = p.opts.MaxInterval
	}
	switch {
	case p.opts.RandomizationFactor > 0:
		eb.RandomizationFactor = p.opts.RandomizationFactor
	case p.opts.RandomizationFactor < 0:
		eb.RandomizationFactor = 0
	}
	switch {
	case p.opts.MaxElapsedTime > 0:
		eb.MaxElapsedTime = p.opts.MaxElapsedTime
	case p.opts.MaxElapsedTime < 0:
		eb.MaxElapsedTime = 0 // Zero means no limit for backoff.ExponentialBackOff.
	}
	var bf backoff.BackOff = eb
	if p.opts.FullJitter {
		bf = withFullJitter(bf)
	}
	if p.maxAttempts > 0 {
		bf = backoff.WithMaxRetries(bf, uint64(p.maxAttempts))
	}
	bf.Reset()
	return bf
}

// ConstantBackoffPolicy means repeat up to max times with constant interval delays.
type ConstantBackoffPolicy struct {
	interval    time.Duration
	maxAttempts int
	opts        ConstantBackoffPolicyOpts
}

// ConstantBackoffPolicyOpts represents options for ConstantBackoffPolicy.
type ConstantBackoffPolicyOpts struct {
	// FullJitter replaces each delay with a uniformly random one from [0, interval].
	FullJitter bool
}

// NewConstantBackoffPolicy returns a constant backoff policy with given interval and max retry attempt count.
func NewConstantBackoffPolicy(interval time.Duration, maxRetryAttempts int) ConstantBackoffPolicy {
	return ConstantBackoffPolicy{interval, maxRetryAttempts, ConstantBackoffPolicyOpts{}}
}

// NewConstantBackoffPolicyWithOpts is a more configurable version of NewConstantBackoffPolicy.
func NewConstantBackoffPolicyWithOpts(
	interval time.Duration, maxRetryAttempts int, opts ConstantBackoffPolicyOpts,
) ConstantBackoffPolicy {
	return ConstantBackoffPolicy{interval, maxRetryAttempts, opts}
}

// NewBackOff implements retry.Policy.
func (p ConstantBackoffPolicy) NewBackOff() backoff.BackOff {
	var bf backoff.BackOff = backoff.NewConstantBackOff(p.interval)
	if p.opts.FullJitter {
		bf = withFullJitter(bf)
	}
	if p.maxAttempts > 0 {
		bf = backoff.WithMaxRetries(bf, uint64(p.maxAttempts))
	}
	bf.Reset()
	return bf
}

type fullJitterBackOff struct {
	backoff.BackOff
}

// withFullJitter decorates b so that each positive delay is replaced
// with a uniformly random one from [0, delay]. backoff.Stop passes through.
func withFullJitter(b backoff.BackOff) backoff.BackOff {
	return &fullJitterBackOff{b}
}

func (b *fullJitterBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d <= 0 {
		return d
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
