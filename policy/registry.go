/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/vasayxtx/go-glob"

	"github.com/acronis/go-resilience/internal/bulkhead"
	"github.com/acronis/go-resilience/internal/ratelimit"
	"github.com/acronis/go-resilience/log"
	"github.com/acronis/go-resilience/lrucache"
)

// DefaultRegistryMaxStates is a default value of RegistryOpts.MaxStates.
const DefaultRegistryMaxStates = 1000

// RegistryOpts represents options for the Registry.
type RegistryOpts struct {
	// Logger is used by wrappers built from the registry
	// unless a wrapper is given its own one. May be nil.
	Logger log.FieldLogger

	// Metrics is used by wrappers built from the registry
	// unless a wrapper is given its own one. May be nil.
	Metrics MetricsCollector

	// MaxStates bounds the number of per-operation policy states kept in memory.
	// The least recently used states are evicted first. 1000 by default.
	MaxStates int

	// StatesMetricsCollector collects statistics of the state cache usage. May be nil.
	StatesMetricsCollector lrucache.MetricsCollector
}

// registryRule is a compiled form of RuleConfig.
type registryRule struct {
	matchers []func(string) bool
	policy   string
}

// Registry resolves operations to configured policies by glob rules and keeps
// per-operation policy state (bulkheads and rate limiters), so that all wrappers
// of one operation share that state.
type Registry struct {
	policies map[string]PolicyConfig
	rules    []registryRule
	states   *lrucache.LRUCache[string, *sharedState]
	logger   log.FieldLogger
	metrics  MetricsCollector
}

// NewRegistry creates a new Registry from the configuration.
func NewRegistry(cfg *Config) (*Registry, error) {
	return NewRegistryWithOpts(cfg, RegistryOpts{})
}

// MustNewRegistry is a version of NewRegistry that panics on error.
func MustNewRegistry(cfg *Config) *Registry {
	r, err := NewRegistry(cfg)
	if err != nil {
		panic(err)
	}
	return r
}

// NewRegistryWithOpts creates a new Registry from the configuration with the provided options.
func NewRegistryWithOpts(cfg *Config, opts RegistryOpts) (*Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config should not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	maxStates := opts.MaxStates
	if maxStates == 0 {
		maxStates = DefaultRegistryMaxStates
	}
	states, err := lrucache.New[string, *sharedState](maxStates, opts.StatesMetricsCollector)
	if err != nil {
		return nil, fmt.Errorf("new states cache: %w", err)
	}

	rules := make([]registryRule, 0, len(cfg.Rules))
	for _, ruleCfg := range cfg.Rules {
		rule := registryRule{policy: ruleCfg.Policy}
		for _, op := range ruleCfg.Ops {
			rule.matchers = append(rule.matchers, glob.Compile(op))
		}
		rules = append(rules, rule)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	var metrics MetricsCollector = opts.Metrics
	if metrics == nil {
		metrics = disabledMetrics{}
	}
	return &Registry{
		policies: cfg.Policies,
		rules:    rules,
		states:   states,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// Resolve returns the configuration of the policy bound to the operation.
// Rules are checked in the configured order, the first match wins.
// ok is false when no rule matches the operation.
func (r *Registry) Resolve(operation string) (cfg PolicyConfig, ok bool) {
	for i := range r.rules {
		for _, match := range r.rules[i].matchers {
			if match(operation) {
				return r.policies[r.rules[i].policy], true
			}
		}
	}
	return PolicyConfig{}, false
}

// state returns the shared policy state of the operation, building it on first use.
func (r *Registry) state(operation string, bhOpts *BulkheadOpts, rlOpts *RateLimitOpts) (*sharedState, error) {
	built, err := newSharedState(bhOpts, rlOpts)
	if err != nil {
		return nil, err
	}
	st, _ := r.states.GetOrAdd(operation, func() *sharedState { return built })
	return st, nil
}

// Admit applies the admission policies of the operation resolved from the registry:
// the rate limit check and the bulkhead slot acquisition. The state is shared with
// wrappers of the same operation. Retries, timeouts and fallbacks are not applied,
// bounding the admitted work is up to the caller.
//
// On success the returned release function must be called exactly once when the
// admitted work is done. Rejections are reported with the same canonical error
// kinds the wrapper uses: *RateLimitRejectedError and *BulkheadRejectedError.
func (r *Registry) Admit(ctx context.Context, operation string) (release func(), err error) {
	cfg, ok := r.Resolve(operation)
	if !ok {
		return func() {}, nil
	}
	opts, err := OptionsFromConfig[struct{}](cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve operation %q: %w", operation, err)
	}
	st, err := r.state(operation, opts.Bulkhead, opts.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("state of operation %q: %w", operation, err)
	}

	if st.limiter != nil {
		if err = r.admitRateLimit(ctx, operation, st.limiter, opts.RateLimit.WaitIfLimited); err != nil {
			return nil, err
		}
	}
	if st.bh != nil {
		if _, acqErr := st.bh.Acquire(ctx); acqErr != nil {
			if errors.Is(acqErr, bulkhead.ErrQueueFull) {
				queueLen, queueLimit := st.bh.QueueLen(), st.bh.QueueLimit()
				r.logger.Warn("operation rejected, bulkhead queue is full",
					log.String(OperationLogFieldKey, operation),
					log.Int("queue_len", queueLen),
					log.Int("queue_limit", queueLimit),
				)
				r.metrics.BulkheadRejected(operation, queueLen, queueLimit)
				return nil, &BulkheadRejectedError{QueueLen: queueLen, QueueLimit: queueLimit}
			}
			return nil, acqErr
		}
		return st.bh.Release, nil
	}
	return func() {}, nil
}

func (r *Registry) admitRateLimit(
	ctx context.Context, operation string, limiter ratelimit.Limiter, waitIfLimited bool,
) error {
	allow, retryAfter, err := limiter.Allow(ctx)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if allow {
		return nil
	}
	if !waitIfLimited {
		r.logger.Warn("operation rejected, rate limit exceeded",
			log.String(OperationLogFieldKey, operation),
			log.Duration("retry_after", retryAfter),
		)
		r.metrics.RateLimitRejected(operation, retryAfter)
		return &RateLimitRejectedError{RetryAfter: retryAfter}
	}
	return awaitRateLimitSlot(ctx, limiter, retryAfter)
}

// WrapFromRegistry constructs a Wrapper for the operation using the policy resolved
// from the registry. When no rule matches the operation, only the options passed
// in opts are applied. Non-nil fields of opts win over the resolved policy.
//
// Bulkhead and rate limiter state is shared between all wrappers of one operation,
// unless explicit Bulkhead or RateLimit options are passed in opts.
func WrapFromRegistry[T any](r *Registry, operation string, op Operation[T], opts Options[T]) (*Wrapper[T], error) {
	if r == nil {
		return nil, fmt.Errorf("registry should not be nil")
	}
	cfg, ok := r.Resolve(operation)
	shareState := ok && opts.Bulkhead == nil && opts.RateLimit == nil
	if ok {
		resolved, err := OptionsFromConfig[T](cfg)
		if err != nil {
			return nil, fmt.Errorf("resolve operation %q: %w", operation, err)
		}
		if opts.Retry == nil {
			opts.Retry = resolved.Retry
		}
		if opts.Bulkhead == nil {
			opts.Bulkhead = resolved.Bulkhead
		}
		if opts.RateLimit == nil {
			opts.RateLimit = resolved.RateLimit
		}
		if opts.Timeout == 0 {
			opts.Timeout = resolved.Timeout
		}
	}
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	if opts.Metrics == nil {
		opts.Metrics = r.metrics
	}

	var state *sharedState
	if shareState {
		var err error
		if state, err = r.state(operation, opts.Bulkhead, opts.RateLimit); err != nil {
			return nil, fmt.Errorf("state of operation %q: %w", operation, err)
		}
	}
	return newWrapper(operation, op, opts, state)
}

// MustWrapFromRegistry is a version of WrapFromRegistry that panics on error.
func MustWrapFromRegistry[T any](r *Registry, operation string, op Operation[T], opts Options[T]) *Wrapper[T] {
	w, err := WrapFromRegistry(r, operation, op, opts)
	if err != nil {
		panic(fmt.Sprintf("wrap operation %q: %v", operation, err))
	}
	return w
}
