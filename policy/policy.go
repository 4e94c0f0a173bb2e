/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"go.uber.org/atomic"

	"github.com/acronis/go-resilience/internal/bulkhead"
	"github.com/acronis/go-resilience/internal/ratelimit"
	"github.com/acronis/go-resilience/log"
	"github.com/acronis/go-resilience/retry"
)

// Log field keys used by the wrapper.
const (
	OperationLogFieldKey = "operation"
	CallIDLogFieldKey    = "call_id"
	AttemptsLogFieldKey  = "attempts"
)

// Default values for RetryOpts.
const (
	DefaultRetryMaxAttempts = 3
	DefaultRetryBaseDelay   = time.Millisecond * 100
	DefaultRetryMaxDelay    = time.Second * 10
)

// Operation is a unit of work guarded by resilience policies.
// The passed context is cancelable, operations that honor it stop earlier
// when the call is timed out or canceled.
type Operation[T any] func(ctx context.Context) (T, error)

// BackoffKind determines how the delay between retry attempts grows.
type BackoffKind string

// Supported backoff kinds.
const (
	BackoffKindExponential BackoffKind = "exponential"
	BackoffKindFixed       BackoffKind = "fixed"
)

// RetryOpts configures retrying of a wrapped operation.
// The zero value of every field means its default.
type RetryOpts struct {
	// MaxAttempts is the total number of tries including the first one. 3 by default.
	MaxAttempts int

	// BaseDelay is the delay before the first retry. 100ms by default.
	BaseDelay time.Duration

	// MaxDelay caps the delay of a single retry attempt. 10s by default.
	MaxDelay time.Duration

	// Backoff selects the delay schedule, BackoffKindExponential by default.
	Backoff BackoffKind

	// Jitter makes each realized delay a uniform random value
	// not exceeding the computed one.
	Jitter bool

	// ShouldRetry tells if an error is worth retrying.
	// retry.DefaultIsRetryable is used when nil.
	ShouldRetry retry.IsRetryable

	// Policy overrides MaxAttempts, BaseDelay, MaxDelay, Backoff and Jitter
	// with a custom retry policy.
	Policy retry.Policy
}

// BulkheadOpts configures concurrency limiting of a wrapped operation.
type BulkheadOpts struct {
	// MaxConcurrent is the max number of concurrently executing calls. Should be positive.
	MaxConcurrent int

	// MaxQueue is the max number of calls waiting for admission.
	// When the queue is full, new calls are rejected immediately.
	MaxQueue int
}

// Rate describes the frequency of allowed executions.
type Rate = ratelimit.Rate

// RateLimitAlg represents a rate limiting algorithm.
type RateLimitAlg int

// Supported rate limiting algorithms.
const (
	RateLimitAlgLeakyBucket RateLimitAlg = iota
	RateLimitAlgSlidingWindow
)

// RateLimitOpts configures rate limiting of a wrapped operation.
type RateLimitOpts struct {
	// Rate is the max allowed execution start rate.
	Rate Rate

	// Alg selects the rate limiting algorithm, RateLimitAlgLeakyBucket by default.
	Alg RateLimitAlg

	// MaxBurst tells how many executions may exceed the sustained rate in a single burst.
	// Used by the leaky bucket algorithm only.
	MaxBurst int

	// WaitIfLimited makes over-limit calls wait for the next allowed slot
	// instead of rejecting them immediately.
	WaitIfLimited bool
}

// Options configures all resilience policies applied to a wrapped operation.
// Every policy is optional, an omitted one is simply not applied.
type Options[T any] struct {
	// Retry enables retrying failed attempts with backoff.
	Retry *RetryOpts

	// Bulkhead bounds concurrent executions and queues the excess.
	Bulkhead *BulkheadOpts

	// RateLimit bounds how frequently executions may start.
	RateLimit *RateLimitOpts

	// Timeout bounds the total call time including the bulkhead queue wait
	// and all retry attempts. Zero means no limit.
	Timeout time.Duration

	// Fallback substitutes the result after the call has finally failed.
	// It receives the canonical error describing the failure.
	Fallback FallbackFunc[T]

	// LastGood serves the most recent successful result
	// when the call has finally failed. Consulted before Fallback.
	// NewLastGoodStore builds the common implementation.
	LastGood FallbackStore[T]

	// Logger is used for logging the call lifecycle. No logging when nil.
	Logger log.FieldLogger

	// Metrics collects metrics of the call lifecycle. No metrics when nil.
	Metrics MetricsCollector
}

// Wrapper executes an operation applying the configured resilience policies:
// timeout, rate limiting, concurrency limiting with a FIFO queue, and retries.
// Errors returned by Do are always canonical kinds from this package.
type Wrapper[T any] struct {
	operation string
	op        Operation[T]

	retryPolicy   retry.Policy
	isRetryable   retry.IsRetryable
	maxAttempts   int
	bh            *bulkhead.Bulkhead
	limiter       ratelimit.Limiter
	waitIfLimited bool
	timeout       time.Duration
	fallback      FallbackFunc[T]
	lastGood      FallbackStore[T]
	logger        log.FieldLogger
	metrics       MetricsCollector

	run stageFunc[T]
}

// stageFunc is one layer of the wrapping chain.
type stageFunc[T any] func(ctx context.Context, c *call) (T, error)

// call carries the per-call execution state through the chain.
// Attempts counter is atomic since the call may be abandoned on timeout
// while the operation keeps running.
type call struct {
	id        string
	startedAt time.Time
	attempts  atomic.Int32
}

// sharedState carries policy state that outlives a single Wrapper
// and may be shared between wrappers of the same operation.
type sharedState struct {
	bh      *bulkhead.Bulkhead
	limiter ratelimit.Limiter
}

// Wrap constructs a Wrapper around the operation. The operation name is used
// for logs and metrics correlation and should not be empty.
func Wrap[T any](operation string, op Operation[T], opts Options[T]) (*Wrapper[T], error) {
	return newWrapper(operation, op, opts, nil)
}

// MustWrap is a version of Wrap that panics on error.
func MustWrap[T any](operation string, op Operation[T], opts Options[T]) *Wrapper[T] {
	w, err := Wrap(operation, op, opts)
	if err != nil {
		panic(fmt.Sprintf("wrap operation %q: %v", operation, err))
	}
	return w
}

func newWrapper[T any](operation string, op Operation[T], opts Options[T], state *sharedState) (*Wrapper[T], error) {
	if operation == "" {
		return nil, fmt.Errorf("operation name should not be empty")
	}
	if op == nil {
		return nil, fmt.Errorf("operation should not be nil")
	}
	if opts.Timeout < 0 {
		return nil, fmt.Errorf("timeout should not be negative, got %s", opts.Timeout)
	}

	w := &Wrapper[T]{
		operation: operation,
		op:        op,
		timeout:   opts.Timeout,
		fallback:  opts.Fallback,
		lastGood:  opts.LastGood,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	if w.logger == nil {
		w.logger = log.NewDisabledLogger()
	}
	if w.metrics == nil {
		w.metrics = disabledMetrics{}
	}

	if opts.Retry != nil {
		retryPolicy, maxAttempts, isRetryable, err := buildRetryPolicy(opts.Retry)
		if err != nil {
			return nil, err
		}
		w.retryPolicy, w.maxAttempts, w.isRetryable = retryPolicy, maxAttempts, isRetryable
	}
	if state == nil {
		var err error
		if state, err = newSharedState(opts.Bulkhead, opts.RateLimit); err != nil {
			return nil, err
		}
	}
	w.bh = state.bh
	w.limiter = state.limiter
	if opts.RateLimit != nil {
		w.waitIfLimited = opts.RateLimit.WaitIfLimited
	}

	w.run = w.buildChain()
	return w, nil
}

// newSharedState builds the state shareable between wrappers of one operation.
func newSharedState(bhOpts *BulkheadOpts, rlOpts *RateLimitOpts) (*sharedState, error) {
	state := &sharedState{}
	if bhOpts != nil {
		bh, err := bulkhead.New(bhOpts.MaxConcurrent, bhOpts.MaxQueue)
		if err != nil {
			return nil, fmt.Errorf("new bulkhead: %w", err)
		}
		state.bh = bh
	}
	if rlOpts != nil {
		limiter, err := newRateLimiter(rlOpts)
		if err != nil {
			return nil, err
		}
		state.limiter = limiter
	}
	return state, nil
}

func buildRetryPolicy(opts *RetryOpts) (retryPolicy retry.Policy, maxAttempts int, isRetryable retry.IsRetryable, err error) {
	isRetryable = opts.ShouldRetry
	if isRetryable == nil {
		isRetryable = retry.DefaultIsRetryable
	}
	if opts.Policy != nil {
		return opts.Policy, opts.MaxAttempts, isRetryable, nil
	}

	maxAttempts = opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultRetryMaxAttempts
	}
	if maxAttempts < 1 {
		return nil, 0, nil, fmt.Errorf("retry max attempts should be positive, got %d", opts.MaxAttempts)
	}
	baseDelay := opts.BaseDelay
	if baseDelay == 0 {
		baseDelay = DefaultRetryBaseDelay
	}
	if baseDelay < 0 {
		return nil, 0, nil, fmt.Errorf("retry base delay should not be negative, got %s", opts.BaseDelay)
	}
	maxDelay := opts.MaxDelay
	if maxDelay == 0 {
		maxDelay = DefaultRetryMaxDelay
	}
	if maxDelay < 0 {
		return nil, 0, nil, fmt.Errorf("retry max delay should not be negative, got %s", opts.MaxDelay)
	}
	if baseDelay > maxDelay {
		return nil, 0, nil, fmt.Errorf("retry base delay should not exceed max delay, got %s > %s", baseDelay, maxDelay)
	}

	switch opts.Backoff {
	case "", BackoffKindExponential:
		retryPolicy = retry.NewExponentialBackoffPolicyWithOpts(baseDelay, maxAttempts-1, retry.ExponentialBackoffPolicyOpts{
			Multiplier:          2,
			MaxInterval:         maxDelay,
			RandomizationFactor: -1,
			MaxElapsedTime:      -1,
			FullJitter:          opts.Jitter,
		})
	case BackoffKindFixed:
		retryPolicy = retry.NewConstantBackoffPolicyWithOpts(baseDelay, maxAttempts-1, retry.ConstantBackoffPolicyOpts{
			FullJitter: opts.Jitter,
		})
	default:
		return nil, 0, nil, fmt.Errorf("unknown backoff kind %q", opts.Backoff)
	}
	return retryPolicy, maxAttempts, isRetryable, nil
}

func newRateLimiter(opts *RateLimitOpts) (ratelimit.Limiter, error) {
	if opts.Rate.Count <= 0 || opts.Rate.Duration <= 0 {
		return nil, fmt.Errorf("rate should be positive, got %d per %s", opts.Rate.Count, opts.Rate.Duration)
	}
	switch opts.Alg {
	case RateLimitAlgLeakyBucket:
		limiter, err := ratelimit.NewLeakyBucketLimiter(opts.Rate, opts.MaxBurst)
		if err != nil {
			return nil, fmt.Errorf("new leaky bucket rate limiter: %w", err)
		}
		return limiter, nil
	case RateLimitAlgSlidingWindow:
		if opts.MaxBurst != 0 {
			return nil, fmt.Errorf("max burst is not supported by the sliding window algorithm")
		}
		return ratelimit.NewSlidingWindowLimiter(opts.Rate), nil
	default:
		return nil, fmt.Errorf("unknown rate limit alg: %d", opts.Alg)
	}
}

// Name returns the wrapped operation name.
func (w *Wrapper[T]) Name() string {
	return w.operation
}

// Do executes the wrapped operation applying all configured policies.
// The returned error is always one of the canonical kinds:
// *RetryExhaustedError, *TimeoutError, *BulkheadRejectedError,
// *RateLimitRejectedError, or generic *Error.
// A failure of the configured fallback is the only exception, it propagates as is.
func (w *Wrapper[T]) Do(ctx context.Context) (T, error) {
	c := &call{id: xid.New().String(), startedAt: time.Now()}
	return w.run(ctx, c)
}

// buildChain nests the policy stages in the fixed order:
// observed(timed(limiting(admitting(retrying(invoking))))).
// One timeout bounds the queue wait and all retries, the bulkhead admits
// before any retrying starts, retries run on the already-admitted call.
func (w *Wrapper[T]) buildChain() stageFunc[T] {
	run := w.invoking()
	if w.retryPolicy != nil {
		run = w.retrying(run)
	}
	if w.bh != nil {
		run = w.admitting(run)
	}
	if w.limiter != nil {
		run = w.limiting(run)
	}
	if w.timeout > 0 {
		run = w.timed(run)
	}
	return w.observed(run)
}

// invoking is the innermost stage, it calls the operation itself.
func (w *Wrapper[T]) invoking() stageFunc[T] {
	return func(ctx context.Context, c *call) (T, error) {
		c.attempts.Inc()
		return w.op(ctx)
	}
}

// retrying re-executes the next stage according to the retry policy.
// Every terminal failure except the context cancellation is reported
// as *RetryExhaustedError carrying the number of attempts made.
func (w *Wrapper[T]) retrying(next stageFunc[T]) stageFunc[T] {
	return func(ctx context.Context, c *call) (T, error) {
		var res T
		notify := func(err error, delay time.Duration) {
			attempt := int(c.attempts.Load())
			w.logger.Warn("operation failed, next attempt scheduled",
				log.String(OperationLogFieldKey, w.operation),
				log.String(CallIDLogFieldKey, c.id),
				log.Int("attempt", attempt),
				log.Int("max_attempts", w.maxAttempts),
				log.Duration("delay", delay),
				log.Error(err),
			)
			w.metrics.Retry(w.operation, attempt, w.maxAttempts, err, delay)
		}
		err := retry.DoWithRetry(ctx, w.retryPolicy, w.isRetryable, notify, func(ctx context.Context) error {
			var opErr error
			res, opErr = next(ctx, c)
			return opErr
		})
		if err == nil {
			return res, nil
		}
		var zero T
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return zero, err
		}
		return zero, &RetryExhaustedError{Attempts: int(c.attempts.Load()), Inner: err}
	}
}

// admitting acquires a bulkhead slot before executing the next stage,
// waiting in the FIFO queue when all slots are busy.
func (w *Wrapper[T]) admitting(next stageFunc[T]) stageFunc[T] {
	return func(ctx context.Context, c *call) (T, error) {
		queued, err := w.bh.Acquire(ctx)
		if err != nil {
			var zero T
			if errors.Is(err, bulkhead.ErrQueueFull) {
				queueLen, queueLimit := w.bh.QueueLen(), w.bh.QueueLimit()
				w.logger.Warn("operation rejected, bulkhead queue is full",
					log.String(OperationLogFieldKey, w.operation),
					log.String(CallIDLogFieldKey, c.id),
					log.Int("queue_len", queueLen),
					log.Int("queue_limit", queueLimit),
				)
				w.metrics.BulkheadRejected(w.operation, queueLen, queueLimit)
				return zero, &BulkheadRejectedError{QueueLen: queueLen, QueueLimit: queueLimit}
			}
			return zero, err
		}
		if queued {
			w.logger.Debug("operation admitted after waiting in bulkhead queue",
				log.String(OperationLogFieldKey, w.operation),
				log.String(CallIDLogFieldKey, c.id),
			)
		}
		defer w.bh.Release()
		return next(ctx, c)
	}
}

// limiting checks the rate limiter before executing the next stage.
// Over-limit calls are rejected with *RateLimitRejectedError or,
// when waiting is enabled, parked until the next allowed slot.
func (w *Wrapper[T]) limiting(next stageFunc[T]) stageFunc[T] {
	return func(ctx context.Context, c *call) (T, error) {
		if err := w.waitRateLimit(ctx, c); err != nil {
			var zero T
			return zero, err
		}
		return next(ctx, c)
	}
}

func (w *Wrapper[T]) waitRateLimit(ctx context.Context, c *call) error {
	allow, retryAfter, err := w.limiter.Allow(ctx)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if allow {
		return nil
	}
	if !w.waitIfLimited {
		w.logger.Warn("operation rejected, rate limit exceeded",
			log.String(OperationLogFieldKey, w.operation),
			log.String(CallIDLogFieldKey, c.id),
			log.Duration("retry_after", retryAfter),
		)
		w.metrics.RateLimitRejected(w.operation, retryAfter)
		return &RateLimitRejectedError{RetryAfter: retryAfter}
	}
	return awaitRateLimitSlot(ctx, w.limiter, retryAfter)
}

// awaitRateLimitSlot parks the call until the limiter admits it or the context is done.
func awaitRateLimitSlot(ctx context.Context, limiter ratelimit.Limiter, retryAfter time.Duration) error {
	retryTimer := time.NewTimer(minRetryAfter(retryAfter))
	defer retryTimer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-retryTimer.C:
		}
		allow, nextRetryAfter, err := limiter.Allow(ctx)
		if err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		if allow {
			return nil
		}
		retryTimer.Reset(minRetryAfter(nextRetryAfter))
	}
}

// minRetryAfter keeps the waiting loop from spinning on zero retry-after values.
func minRetryAfter(retryAfter time.Duration) time.Duration {
	if retryAfter <= 0 {
		return time.Millisecond
	}
	return retryAfter
}

// timed bounds the total execution time of the next stage.
// On expiry the call is abandoned, not interrupted: the operation may keep
// running, its result is simply no longer awaited. Operations that honor
// the passed context stop earlier.
func (w *Wrapper[T]) timed(next stageFunc[T]) stageFunc[T] {
	return func(ctx context.Context, c *call) (T, error) {
		tctx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()

		type callResult struct {
			res T
			err error
		}
		resCh := make(chan callResult, 1)
		go func() {
			res, err := next(tctx, c)
			resCh <- callResult{res: res, err: err}
		}()

		select {
		case r := <-resCh:
			if r.err == nil {
				return r.res, nil
			}
			var zero T
			if errors.Is(r.err, context.DeadlineExceeded) &&
				errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return zero, w.timeoutError(c)
			}
			return zero, r.err
		case <-tctx.Done():
			var zero T
			if ctx.Err() != nil {
				// The caller's context ended first, this is not a policy timeout.
				return zero, ctx.Err()
			}
			return zero, w.timeoutError(c)
		}
	}
}

func (w *Wrapper[T]) timeoutError(c *call) error {
	w.logger.Warn("operation timed out, abandoning the call",
		log.String(OperationLogFieldKey, w.operation),
		log.String(CallIDLogFieldKey, c.id),
		log.DurationIn(w.timeout, time.Millisecond),
	)
	w.metrics.Timeout(w.operation, w.timeout)
	return &TimeoutError{Timeout: w.timeout}
}

// observed is the outermost stage. It emits success/failure metrics and logs,
// translates failures into the canonical error kinds, and applies fallbacks.
func (w *Wrapper[T]) observed(next stageFunc[T]) stageFunc[T] {
	return func(ctx context.Context, c *call) (T, error) {
		res, err := next(ctx, c)
		elapsed := time.Since(c.startedAt)
		attempts := int(c.attempts.Load())

		if err == nil {
			w.metrics.Success(w.operation, attempts, elapsed)
			w.logger.Info("operation succeeded",
				log.String(OperationLogFieldKey, w.operation),
				log.String(CallIDLogFieldKey, c.id),
				log.Int(AttemptsLogFieldKey, attempts),
				log.DurationIn(elapsed, time.Millisecond),
			)
			if w.lastGood != nil {
				w.lastGood.Add(w.operation, res)
			}
			return res, nil
		}

		err = translateError(err)
		w.metrics.Failure(w.operation, attempts, elapsed, err)
		w.logger.Error("operation failed",
			log.String(OperationLogFieldKey, w.operation),
			log.String(CallIDLogFieldKey, c.id),
			log.Int(AttemptsLogFieldKey, attempts),
			log.DurationIn(elapsed, time.Millisecond),
			log.Error(err),
		)

		var zero T
		if w.lastGood != nil {
			if v, ok := w.lastGood.Get(w.operation); ok {
				w.logger.Warn("serving last known good result",
					log.String(OperationLogFieldKey, w.operation),
					log.String(CallIDLogFieldKey, c.id),
					log.Error(err),
				)
				return v, nil
			}
		}
		if w.fallback != nil {
			v, fbErr := w.fallback(ctx, err)
			if fbErr != nil {
				w.logger.Error("fallback failed",
					log.String(OperationLogFieldKey, w.operation),
					log.String(CallIDLogFieldKey, c.id),
					log.Error(fbErr),
				)
				return zero, fbErr
			}
			w.logger.Warn("serving fallback result",
				log.String(OperationLogFieldKey, w.operation),
				log.String(CallIDLogFieldKey, c.id),
				log.Error(err),
			)
			return v, nil
		}
		return zero, err
	}
}
