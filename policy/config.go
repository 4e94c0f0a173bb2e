/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package policy

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/acronis/go-resilience/config"
)

// Rate-limiting algorithm names used in configuration.
const (
	rateLimitAlgNameLeakyBucket   = "leaky_bucket"
	rateLimitAlgNameSlidingWindow = "sliding_window"
)

// Config represents a configuration of resilience policies and rules
// that bind them to operations by name.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	// Policies contains named sets of resilience policies.
	// Key is a policy's name, and value is a policy's configuration.
	Policies map[string]PolicyConfig `mapstructure:"policies" yaml:"policies" json:"policies"`

	// Rules binds operations to policies. An operation is matched
	// against the rules in order, the first match wins.
	Rules []RuleConfig `mapstructure:"rules" yaml:"rules" json:"rules"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	var opts configOptions
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(_ config.DataProvider) {
}

// Set sets configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	if err := dp.Unmarshal(c, func(decoderConfig *mapstructure.DecoderConfig) {
		decoderConfig.DecodeHook = MapstructureDecodeHook()
	}); err != nil {
		return err
	}
	return c.Validate()
}

// Validate validates configuration.
func (c *Config) Validate() error {
	for policyName, policyCfg := range c.Policies {
		if err := policyCfg.Validate(); err != nil {
			return fmt.Errorf("validate policy %q: %w", policyName, err)
		}
	}
	for i := range c.Rules {
		if err := c.Rules[i].Validate(c.Policies); err != nil {
			return fmt.Errorf("validate rule #%d: %w", i, err)
		}
	}
	return nil
}

// PolicyConfig represents a named set of resilience policies.
// Every policy is optional, an omitted one is not applied.
type PolicyConfig struct {
	// Retry enables retrying failed attempts with backoff.
	Retry *RetryConfig `mapstructure:"retry" yaml:"retry" json:"retry"`

	// Bulkhead bounds concurrent executions and queues the excess.
	Bulkhead *BulkheadConfig `mapstructure:"bulkhead" yaml:"bulkhead" json:"bulkhead"`

	// RateLimit bounds how frequently executions may start.
	RateLimit *RateLimitConfig `mapstructure:"rateLimit" yaml:"rateLimit" json:"rateLimit"`

	// Timeout bounds the total call time including the bulkhead queue wait
	// and all retry attempts. Zero means no limit.
	Timeout config.TimeDuration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// Validate validates policy configuration.
func (c *PolicyConfig) Validate() error {
	if c.Retry != nil {
		if err := c.Retry.Validate(); err != nil {
			return fmt.Errorf("retry: %w", err)
		}
	}
	if c.Bulkhead != nil {
		if err := c.Bulkhead.Validate(); err != nil {
			return fmt.Errorf("bulkhead: %w", err)
		}
	}
	if c.RateLimit != nil {
		if err := c.RateLimit.Validate(); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout should not be negative, got %s", time.Duration(c.Timeout))
	}
	return nil
}

// RetryConfig represents a configuration of the retry policy.
type RetryConfig struct {
	// MaxAttempts is the total number of tries including the first one. 3 by default.
	MaxAttempts int `mapstructure:"maxAttempts" yaml:"maxAttempts" json:"maxAttempts"`

	// BaseDelay is the delay before the first retry. 100ms by default.
	BaseDelay config.TimeDuration `mapstructure:"baseDelay" yaml:"baseDelay" json:"baseDelay"`

	// MaxDelay caps the delay of a single retry attempt. 10s by default.
	MaxDelay config.TimeDuration `mapstructure:"maxDelay" yaml:"maxDelay" json:"maxDelay"`

	// Backoff selects the delay schedule, "exponential" (default) or "fixed".
	Backoff BackoffKind `mapstructure:"backoff" yaml:"backoff" json:"backoff"`

	// Jitter makes each realized delay a uniform random value not exceeding the computed one.
	Jitter bool `mapstructure:"jitter" yaml:"jitter" json:"jitter"`
}

// Validate validates retry configuration.
func (c *RetryConfig) Validate() error {
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max attempts should not be negative, got %d", c.MaxAttempts)
	}
	if c.BaseDelay < 0 {
		return fmt.Errorf("base delay should not be negative, got %s", time.Duration(c.BaseDelay))
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("max delay should not be negative, got %s", time.Duration(c.MaxDelay))
	}
	if c.BaseDelay != 0 && c.MaxDelay != 0 && c.BaseDelay > c.MaxDelay {
		return fmt.Errorf("base delay should not exceed max delay, got %s > %s",
			time.Duration(c.BaseDelay), time.Duration(c.MaxDelay))
	}
	switch c.Backoff {
	case "", BackoffKindExponential, BackoffKindFixed:
	default:
		return fmt.Errorf("unknown backoff kind %q, should be %q or %q",
			c.Backoff, BackoffKindExponential, BackoffKindFixed)
	}
	return nil
}

// BulkheadConfig represents a configuration of the bulkhead policy.
type BulkheadConfig struct {
	// MaxConcurrent is the max number of concurrently executing calls. Should be positive.
	MaxConcurrent int `mapstructure:"maxConcurrent" yaml:"maxConcurrent" json:"maxConcurrent"`

	// MaxQueue is the max number of calls waiting for admission.
	// When the queue is full, new calls are rejected immediately.
	MaxQueue int `mapstructure:"maxQueue" yaml:"maxQueue" json:"maxQueue"`
}

// Validate validates bulkhead configuration.
func (c *BulkheadConfig) Validate() error {
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent should be positive, got %d", c.MaxConcurrent)
	}
	if c.MaxQueue < 0 {
		return fmt.Errorf("max queue should not be negative, got %d", c.MaxQueue)
	}
	return nil
}

// RateLimitConfig represents a configuration of the rate limit policy.
type RateLimitConfig struct {
	// Rate is the max allowed execution start rate, for example "50/s".
	Rate RateValue `mapstructure:"rate" yaml:"rate" json:"rate"`

	// Alg selects the rate limiting algorithm, "leaky_bucket" (default) or "sliding_window".
	Alg string `mapstructure:"alg" yaml:"alg" json:"alg"`

	// MaxBurst tells how many executions may exceed the sustained rate in a single burst.
	// Used by the leaky bucket algorithm only.
	MaxBurst int `mapstructure:"maxBurst" yaml:"maxBurst" json:"maxBurst"`

	// WaitIfLimited makes over-limit calls wait for the next allowed slot
	// instead of rejecting them immediately.
	WaitIfLimited bool `mapstructure:"waitIfLimited" yaml:"waitIfLimited" json:"waitIfLimited"`
}

// Validate validates rate limit configuration.
func (c *RateLimitConfig) Validate() error {
	if c.Rate.Count <= 0 {
		return fmt.Errorf("rate should be specified and positive, got %s", c.Rate)
	}
	if _, err := parseRateLimitAlg(c.Alg); err != nil {
		return err
	}
	if c.MaxBurst < 0 {
		return fmt.Errorf("max burst should not be negative, got %d", c.MaxBurst)
	}
	return nil
}

func parseRateLimitAlg(alg string) (RateLimitAlg, error) {
	switch alg {
	case "", rateLimitAlgNameLeakyBucket:
		return RateLimitAlgLeakyBucket, nil
	case rateLimitAlgNameSlidingWindow:
		return RateLimitAlgSlidingWindow, nil
	default:
		return 0, fmt.Errorf("unknown rate limit alg %q, should be %q or %q",
			alg, rateLimitAlgNameLeakyBucket, rateLimitAlgNameSlidingWindow)
	}
}

// RuleConfig binds operations to a named policy.
type RuleConfig struct {
	// Ops contains glob patterns ('*' and '?' are supported) matched against operation names.
	Ops []string `mapstructure:"ops" yaml:"ops" json:"ops"`

	// Policy is the name of the policy from Config.Policies applied to the matched operations.
	Policy string `mapstructure:"policy" yaml:"policy" json:"policy"`
}

// Validate validates rule configuration.
func (c *RuleConfig) Validate(policies map[string]PolicyConfig) error {
	if len(c.Ops) == 0 {
		return fmt.Errorf("ops should not be empty")
	}
	for _, op := range c.Ops {
		if op == "" {
			return fmt.Errorf("ops should not contain empty patterns")
		}
	}
	if c.Policy == "" {
		return fmt.Errorf("policy should not be empty")
	}
	if _, ok := policies[c.Policy]; !ok {
		return fmt.Errorf("unknown policy %q", c.Policy)
	}
	return nil
}

// OptionsFromConfig converts a policy configuration into programmatic options.
// Fallbacks, logger and metrics are not configurable from files
// and are left unset in the result.
func OptionsFromConfig[T any](cfg PolicyConfig) (Options[T], error) {
	var opts Options[T]
	if err := cfg.Validate(); err != nil {
		return opts, err
	}
	if cfg.Retry != nil {
		opts.Retry = &RetryOpts{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Retry.BaseDelay),
			MaxDelay:    time.Duration(cfg.Retry.MaxDelay),
			Backoff:     cfg.Retry.Backoff,
			Jitter:      cfg.Retry.Jitter,
		}
	}
	if cfg.Bulkhead != nil {
		opts.Bulkhead = &BulkheadOpts{
			MaxConcurrent: cfg.Bulkhead.MaxConcurrent,
			MaxQueue:      cfg.Bulkhead.MaxQueue,
		}
	}
	if cfg.RateLimit != nil {
		alg, err := parseRateLimitAlg(cfg.RateLimit.Alg)
		if err != nil {
			return opts, err
		}
		opts.RateLimit = &RateLimitOpts{
			Rate:          Rate{Count: cfg.RateLimit.Rate.Count, Duration: cfg.RateLimit.Rate.Duration},
			Alg:           alg,
			MaxBurst:      cfg.RateLimit.MaxBurst,
			WaitIfLimited: cfg.RateLimit.WaitIfLimited,
		}
	}
	opts.Timeout = time.Duration(cfg.Timeout)
	return opts, nil
}

// RateValue represents a rate of executions, for example 50 per second.
type RateValue struct {
	Count    int
	Duration time.Duration
}

// String returns a string representation of the rate value.
// Implements fmt.Stringer interface.
func (rv RateValue) String() string {
	if rv.Duration == 0 && rv.Count == 0 {
		return ""
	}
	var d string
	switch rv.Duration {
	case time.Second:
		d = "s"
	case time.Minute:
		d = "m"
	case time.Hour:
		d = "h"
	default:
		d = rv.Duration.String()
	}
	return fmt.Sprintf("%d/%s", rv.Count, d)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (rv *RateValue) UnmarshalText(text []byte) error {
	return rv.unmarshal(string(text))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (rv *RateValue) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	return rv.unmarshal(text)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (rv *RateValue) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	return rv.unmarshal(text)
}

func (rv *RateValue) unmarshal(rate string) error {
	if rate == "" {
		*rv = RateValue{}
		return nil
	}
	incorrectFormatErr := fmt.Errorf(
		"incorrect format for rate %q, should be N/(s|m|h), for example 10/s, 100/m, 1000/h", rate)
	parts := strings.SplitN(rate, "/", 2)
	if len(parts) != 2 {
		return incorrectFormatErr
	}
	count, err := strconv.Atoi(parts[0])
	if err != nil {
		return incorrectFormatErr
	}
	var dur time.Duration
	switch strings.ToLower(parts[1]) {
	case "s":
		dur = time.Second
	case "m":
		dur = time.Minute
	case "h":
		dur = time.Hour
	default:
		return incorrectFormatErr
	}
	*rv = RateValue{Count: count, Duration: dur}
	return nil
}

// MarshalText implements the encoding.TextMarshaler interface.
func (rv RateValue) MarshalText() ([]byte, error) {
	return []byte(rv.String()), nil
}

// MarshalJSON implements the json.Marshaler interface.
func (rv RateValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(rv.String())
}

// MarshalYAML implements the yaml.Marshaler interface.
func (rv RateValue) MarshalYAML() (interface{}, error) {
	return rv.String(), nil
}

func mapstructureTrimSpaceStringsHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Kind,
		t reflect.Kind,
		data interface{}) (interface{}, error) {
		if f != reflect.Slice || t != reflect.Slice {
			return data, nil
		}
		switch dt := data.(type) {
		case []string:
			res := make([]string, 0, len(dt))
			for _, s := range dt {
				res = append(res, strings.TrimSpace(s))
			}
			return res, nil
		default:
			return data, nil
		}
	}
}

// MapstructureDecodeHook returns a DecodeHookFunc for mapstructure to handle custom types.
func MapstructureDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructureTrimSpaceStringsHookFunc(),
	)
}
