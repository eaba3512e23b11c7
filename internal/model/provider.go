package model

import (
	"math"
	"time"
)

// ProviderKind selects the fetch client used for a provider.
type ProviderKind string

const (
	ProviderKindHTTPJSON ProviderKind = "http_json"
	ProviderKindHTTPCSV  ProviderKind = "http_csv"
	ProviderKindFTPCSV   ProviderKind = "ftp_csv"
	ProviderKindFileCSV  ProviderKind = "file_csv"
	ProviderKindFileXLSX ProviderKind = "file_xlsx"
	ProviderKindStatic   ProviderKind = "static"
)

// Status is the operator-controlled lifecycle flag shared by providers,
// sources, and provider mappings.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusDisabled Status = "disabled"
)

// Provider is an external integration capable of fetching one or more sources.
type Provider struct {
	ID             string             `json:"id" yaml:"id"`
	Name           string             `json:"name" yaml:"name"`
	Kind           ProviderKind       `json:"kind" yaml:"kind"`
	Category       string             `json:"category,omitempty" yaml:"category"`
	Tier           int                `json:"tier,omitempty" yaml:"tier"`
	Status         Status             `json:"status" yaml:"status"`
	BaseURL        string             `json:"base_url,omitempty" yaml:"base_url"`
	RateLimit      RateLimit          `json:"rate_limit" yaml:"rate_limit"`
	Resilience     ResilienceSettings `json:"resilience" yaml:"resilience"`
	Health         Health             `json:"health" yaml:"health"`
	CostPerRequest float64            `json:"cost_per_request" yaml:"cost_per_request"`
	CostPerRecord  float64            `json:"cost_per_record,omitempty" yaml:"cost_per_record"`
	CreatedAt      time.Time          `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time          `json:"updated_at" yaml:"-"`
}

// RateLimit is the provider's request envelope. Zero means unlimited.
type RateLimit struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// ResilienceSettings configures timeouts, retries, and the circuit breaker
// for a provider. All durations are in milliseconds.
type ResilienceSettings struct {
	TimeoutMs         int     `json:"timeout_ms" yaml:"timeout_ms"`
	MaxRetries        int     `json:"max_retries" yaml:"max_retries"`
	BaseDelayMs       int     `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMs        int     `json:"max_delay_ms" yaml:"max_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	FailureThreshold  int     `json:"failure_threshold" yaml:"failure_threshold"`
	ResetTimeoutMs    int     `json:"reset_timeout_ms" yaml:"reset_timeout_ms"`
}

// Health holds the provider's observed call metrics.
type Health struct {
	SuccessRate         float64    `json:"success_rate" yaml:"success_rate"`
	AvgResponseMs       float64    `json:"avg_response_ms" yaml:"avg_response_ms"`
	ConsecutiveFailures int        `json:"consecutive_failures" yaml:"consecutive_failures"`
	TotalRequests       int64      `json:"total_requests" yaml:"total_requests"`
	TotalFailures       int64      `json:"total_failures" yaml:"total_failures"`
	LastCheckedAt       *time.Time `json:"last_checked_at,omitempty" yaml:"-"`
}

// HealthyScore is the minimum health score for a recommended provider to
// keep its precedence in routing.
const HealthyScore = 50.0

// Rate returns the success rate, treating a provider with no traffic as
// fully healthy.
func (h Health) Rate() float64 {
	if h.TotalRequests == 0 && h.SuccessRate == 0 {
		return 1
	}
	return h.SuccessRate
}

// Score returns a 0-100 health score: success rate minus penalties for
// latency (5 points per second, max 25) and consecutive failures (10 each).
func (h Health) Score() float64 {
	score := 100 * h.Rate()
	score -= math.Min(25, 5*h.AvgResponseMs/1000)
	score -= 10 * float64(h.ConsecutiveFailures)
	return math.Max(0, math.Min(100, score))
}

// HealthScore returns the provider's health score.
func (p Provider) HealthScore() float64 {
	return p.Health.Score()
}

// Active reports whether the provider can be routed to.
func (p Provider) Active() bool {
	return p.Status == StatusActive || p.Status == ""
}

// CallCost returns the cost of one fetch returning n records.
func (p Provider) CallCost(n int) float64 {
	return p.CostPerRequest + p.CostPerRecord*float64(n)
}
