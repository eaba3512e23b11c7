package resilience

import (
	"time"

	"github.com/sells-group/orchestrator/internal/model"
)

// Defaults holds process-wide resilience settings applied where a provider
// leaves a field unset. All durations are in milliseconds.
type Defaults struct {
	TimeoutMs         int     `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	MaxRetries        int     `yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelayMs       int     `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs        int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	FailureThreshold  int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutMs    int     `yaml:"reset_timeout_ms" mapstructure:"reset_timeout_ms"`
}

// DefaultSettings returns the built-in provider defaults.
func DefaultSettings() Defaults {
	return Defaults{
		TimeoutMs:         30000,
		MaxRetries:        2,
		BaseDelayMs:       500,
		MaxDelayMs:        30000,
		BackoffMultiplier: 2,
		FailureThreshold:  5,
		ResetTimeoutMs:    30000,
	}
}

// Policy is the resolved resilience policy for one provider.
type Policy struct {
	Timeout time.Duration
	Retry   RetryConfig
	Circuit CircuitBreakerConfig
}

// FromRetryConfig converts millisecond config values to a RetryConfig.
// maxRetries counts retries after the first attempt.
func FromRetryConfig(maxRetries, baseDelayMs, maxDelayMs int, multiplier float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxRetries >= 0 {
		cfg.MaxAttempts = maxRetries + 1
	}
	if baseDelayMs > 0 {
		cfg.InitialBackoff = time.Duration(baseDelayMs) * time.Millisecond
	}
	if maxDelayMs > 0 {
		cfg.MaxBackoff = time.Duration(maxDelayMs) * time.Millisecond
	}
	if multiplier > 0 {
		cfg.Multiplier = multiplier
	}
	return cfg
}

// FromCircuitConfig converts millisecond config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutMs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutMs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutMs) * time.Millisecond
	}
	return cfg
}

// PolicyFor merges a provider's settings over d.
func (d Defaults) PolicyFor(s model.ResilienceSettings) Policy {
	pick := func(v, def int) int {
		if v > 0 {
			return v
		}
		return def
	}
	mult := s.BackoffMultiplier
	if mult <= 0 {
		mult = d.BackoffMultiplier
	}
	retries := d.MaxRetries
	switch {
	case s.MaxRetries > 0:
		retries = s.MaxRetries
	case s.MaxRetries < 0:
		retries = 0
	}
	return Policy{
		Timeout: time.Duration(pick(s.TimeoutMs, d.TimeoutMs)) * time.Millisecond,
		Retry: FromRetryConfig(retries,
			pick(s.BaseDelayMs, d.BaseDelayMs),
			pick(s.MaxDelayMs, d.MaxDelayMs),
			mult),
		Circuit: FromCircuitConfig(
			pick(s.FailureThreshold, d.FailureThreshold),
			pick(s.ResetTimeoutMs, d.ResetTimeoutMs)),
	}
}
