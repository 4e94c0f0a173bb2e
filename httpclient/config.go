/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"errors"
	"time"

	"github.com/acronis/go-resilience/config"
	"github.com/acronis/go-resilience/retry"
)

const (
	// DefaultClientWaitTimeout is a default timeout for a client to wait for a request.
	DefaultClientWaitTimeout = 10 * time.Second

	// RetryPolicyExponential is a policy for exponential retries.
	RetryPolicyExponential = "exponential"

	// RetryPolicyConstant is a policy for constant retries.
	RetryPolicyConstant = "constant"

	// configuration properties
	cfgKeyRetriesEnabled                    = "retries.enabled"
	cfgKeyRetriesMaxAttempts                = "retries.maxAttempts"
	cfgKeyRetriesPolicy                     = "retries.policy"
	cfgKeyRetriesExponentialInitialInterval = "retries.exponentialBackoff.initialInterval"
	cfgKeyRetriesExponentialMultiplier      = "retries.exponentialBackoff.multiplier"
	cfgKeyRetriesConstantInterval           = "retries.constantBackoff.interval"
	cfgKeyRateLimitsEnabled                 = "rateLimits.enabled"
	cfgKeyRateLimitsLimit                   = "rateLimits.limit"
	cfgKeyRateLimitsBurst                   = "rateLimits.burst"
	cfgKeyRateLimitsInterval                = "rateLimits.interval"
	cfgKeyRateLimitsWaitTimeout             = "rateLimits.waitTimeout"
	cfgKeyLogEnabled                        = "log.enabled"
	cfgKeyLogMode                           = "log.mode"
	cfgKeyLogSlowRequestThreshold           = "log.slowRequestThreshold"
	cfgKeyMetricsEnabled                    = "metrics.enabled"
	cfgKeyTimeout                           = "timeout"
)

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// RateLimitConfig represents configuration options for HTTP client rate limits.
type RateLimitConfig struct {
	// Enabled is a flag that enables rate limiting.
	Enabled bool `mapstructure:"enabled"`

	// Limit is the maximum number of requests that can be made per Interval.
	Limit int `mapstructure:"limit"`

	// Burst allows temporary spikes in request rate.
	Burst int `mapstructure:"burst"`

	// Interval is the period the limit applies to. One second is used by default.
	Interval config.TimeDuration `mapstructure:"interval"`

	// WaitTimeout is the maximum time to wait for the limiter to admit a request.
	WaitTimeout time.Duration `mapstructure:"waitTimeout"`
}

// Set is part of config interface implementation.
func (c *RateLimitConfig) Set(dp config.DataProvider) (err error) {
	enabled, err := dp.GetBool(cfgKeyRateLimitsEnabled)
	if err != nil {
		return err
	}
	c.Enabled = enabled

	if !c.Enabled {
		return nil
	}

	limit, err := dp.GetInt(cfgKeyRateLimitsLimit)
	if err != nil {
		return err
	}
	if limit <= 0 {
		return errors.New("client rate limit must be positive")
	}
	c.Limit = limit

	burst, err := dp.GetInt(cfgKeyRateLimitsBurst)
	if err != nil {
		return err
	}
	if burst < 0 {
		return errors.New("client burst must be positive")
	}
	c.Burst = burst

	interval, err := dp.GetDuration(cfgKeyRateLimitsInterval)
	if err != nil {
		return err
	}
	if interval < 0 {
		return errors.New("client rate limit interval must be positive")
	}
	c.Interval = config.TimeDuration(interval)

	waitTimeout, err := dp.GetDuration(cfgKeyRateLimitsWaitTimeout)
	if err != nil {
		return err
	}
	if waitTimeout < 0 {
		return errors.New("client wait timeout must be positive")
	}
	c.WaitTimeout = waitTimeout

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *RateLimitConfig) SetProviderDefaults(_ config.DataProvider) {}

// TransportOpts returns transport options.
func (c *RateLimitConfig) TransportOpts() RateLimitingRoundTripperOpts {
	return RateLimitingRoundTripperOpts{
		Burst:       c.Burst,
		Interval:    time.Duration(c.Interval),
		WaitTimeout: c.WaitTimeout,
	}
}

// ExponentialBackoffConfig represents configuration options for the exponential retry policy.
type ExponentialBackoffConfig struct {
	// InitialInterval is the interval before the first retry attempt.
	InitialInterval config.TimeDuration `mapstructure:"initialInterval"`

	// Multiplier is a factor by which the interval is multiplied after each retry attempt.
	Multiplier float64 `mapstructure:"multiplier"`
}

// ConstantBackoffConfig represents configuration options for the constant retry policy.
type ConstantBackoffConfig struct {
	// Interval is the interval between retry attempts.
	Interval config.TimeDuration `mapstructure:"interval"`
}

// RetriesConfig represents configuration options for HTTP client retries policy.
type RetriesConfig struct {
	// Enabled is a flag that enables retries.
	Enabled bool `mapstructure:"enabled"`

	// MaxAttempts is the maximum number of attempts to retry the request.
	MaxAttempts int `mapstructure:"maxAttempts"`

	// Policy of a retry: [exponential, constant]. exponential is used by default.
	Policy string `mapstructure:"policy"`

	// ExponentialBackoff is the configuration for the exponential policy.
	ExponentialBackoff ExponentialBackoffConfig `mapstructure:"exponentialBackoff"`

	// ConstantBackoff is the configuration for the constant policy.
	ConstantBackoff ConstantBackoffConfig `mapstructure:"constantBackoff"`
}

// GetPolicy returns a retry policy based on the configured strategy or nil if none is configured.
func (c *RetriesConfig) GetPolicy() retry.Policy {
	switch c.Policy {
	case RetryPolicyExponential:
		return retry.NewExponentialBackoffPolicyWithOpts(
			time.Duration(c.ExponentialBackoff.InitialInterval), 0,
			retry.ExponentialBackoffPolicyOpts{Multiplier: c.ExponentialBackoff.Multiplier},
		)
	case RetryPolicyConstant:
		return retry.NewConstantBackoffPolicy(time.Duration(c.ConstantBackoff.Interval), 0)
	}
	return nil
}

// Set is part of config interface implementation.
func (c *RetriesConfig) Set(dp config.DataProvider) error {
	enabled, err := dp.GetBool(cfgKeyRetriesEnabled)
	if err != nil {
		return err
	}
	c.Enabled = enabled

	if !c.Enabled {
		return nil
	}

	maxAttempts, err := dp.GetInt(cfgKeyRetriesMaxAttempts)
	if err != nil {
		return err
	}
	if maxAttempts < 0 {
		return errors.New("client max retry attempts must be positive")
	}
	c.MaxAttempts = maxAttempts

	policy, err := dp.GetString(cfgKeyRetriesPolicy)
	if err != nil {
		return err
	}
	if policy != "" && policy != RetryPolicyExponential && policy != RetryPolicyConstant {
		return errors.New("client retry policy must be one of: [exponential, constant]")
	}
	c.Policy = policy

	switch c.Policy {
	case RetryPolicyExponential:
		var initialInterval time.Duration
		if initialInterval, err = dp.GetDuration(cfgKeyRetriesExponentialInitialInterval); err != nil {
			return err
		}
		if initialInterval < 0 {
			return errors.New("client exponential backoff initial interval must be positive")
		}
		c.ExponentialBackoff.InitialInterval = config.TimeDuration(initialInterval)

		var multiplier float64
		if multiplier, err = dp.GetFloat64(cfgKeyRetriesExponentialMultiplier); err != nil {
			return err
		}
		if multiplier <= 1 {
			return errors.New("client exponential backoff multiplier must be greater than 1")
		}
		c.ExponentialBackoff.Multiplier = multiplier

	case RetryPolicyConstant:
		var interval time.Duration
		if interval, err = dp.GetDuration(cfgKeyRetriesConstantInterval); err != nil {
			return err
		}
		if interval < 0 {
			return errors.New("client constant backoff interval must be positive")
		}
		c.ConstantBackoff.Interval = config.TimeDuration(interval)
	}

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *RetriesConfig) SetProviderDefaults(_ config.DataProvider) {}

// TransportOpts returns transport options.
func (c *RetriesConfig) TransportOpts() RetryableRoundTripperOpts {
	return RetryableRoundTripperOpts{MaxRetryAttempts: c.MaxAttempts}
}

// LogConfig represents configuration options for HTTP client logging.
type LogConfig struct {
	// Enabled is a flag that enables logging.
	Enabled bool `mapstructure:"enabled"`

	// SlowRequestThreshold is a threshold for slow requests.
	// Requests that take less time are not logged.
	SlowRequestThreshold time.Duration `mapstructure:"slowRequestThreshold"`

	// Mode of logging: none, all (default), failed.
	Mode LoggingMode `mapstructure:"mode"`
}

// Set is part of config interface implementation.
func (c *LogConfig) Set(dp config.DataProvider) error {
	enabled, err := dp.GetBool(cfgKeyLogEnabled)
	if err != nil {
		return err
	}
	c.Enabled = enabled

	if !c.Enabled {
		return nil
	}

	slowRequestThreshold, err := dp.GetDuration(cfgKeyLogSlowRequestThreshold)
	if err != nil {
		return err
	}
	if slowRequestThreshold < 0 {
		return errors.New("client log slow request threshold can not be negative")
	}
	c.SlowRequestThreshold = slowRequestThreshold

	mode, err := dp.GetString(cfgKeyLogMode)
	if err != nil {
		return err
	}
	if mode != "" && !LoggingMode(mode).IsValid() {
		return errors.New("client log invalid mode, choose one of: [none, all, failed]")
	}
	c.Mode = LoggingMode(mode)

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *LogConfig) SetProviderDefaults(_ config.DataProvider) {}

// TransportOpts returns transport options.
func (c *LogConfig) TransportOpts() LoggingRoundTripperOpts {
	return LoggingRoundTripperOpts{
		Mode:                 c.Mode,
		SlowRequestThreshold: c.SlowRequestThreshold,
	}
}

// MetricsConfig represents configuration options for HTTP client metrics.
type MetricsConfig struct {
	// Enabled is a flag that enables metrics.
	Enabled bool `mapstructure:"enabled"`
}

// Set is part of config interface implementation.
func (c *MetricsConfig) Set(dp config.DataProvider) error {
	enabled, err := dp.GetBool(cfgKeyMetricsEnabled)
	if err != nil {
		return err
	}
	c.Enabled = enabled

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *MetricsConfig) SetProviderDefaults(_ config.DataProvider) {}

// Config represents options for HTTP client configuration.
type Config struct {
	// Retries is a configuration for HTTP client retries policy.
	Retries RetriesConfig `mapstructure:"retries"`

	// RateLimits is a configuration for HTTP client rate limits.
	RateLimits RateLimitConfig `mapstructure:"rateLimits"`

	// Log is a configuration for HTTP client logging.
	Log LogConfig `mapstructure:"log"`

	// Metrics is a configuration for HTTP client metrics.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Timeout is the maximum time the whole request and response processing may take.
	Timeout time.Duration `mapstructure:"timeout"`

	// keyPrefix is a prefix for configuration parameters.
	keyPrefix string
}

// NewConfig creates a new instance of the Config.
func NewConfig() *Config {
	return NewConfigWithKeyPrefix("")
}

// NewConfigWithKeyPrefix creates a new instance of the Config.
// Allows specifying key prefix which will be used for parsing configuration parameters.
func NewConfigWithKeyPrefix(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// Set is part of config interface implementation.
// The data provider is already scoped to KeyPrefix by config.Loader.
func (c *Config) Set(dp config.DataProvider) error {
	timeout, err := dp.GetDuration(cfgKeyTimeout)
	if err != nil {
		return err
	}
	c.Timeout = timeout

	if err = c.Retries.Set(dp); err != nil {
		return err
	}
	if err = c.RateLimits.Set(dp); err != nil {
		return err
	}
	if err = c.Log.Set(dp); err != nil {
		return err
	}
	return c.Metrics.Set(dp)
}

// SetProviderDefaults is part of config interface implementation.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyTimeout, DefaultClientWaitTimeout)
}
