package models

import (
	"math"
	"time"
)

// RetryPolicy governs action dispatch retries. Attempts run synchronously up
// to MaxRetries+1 times; the delay before attempt n+1 is
// RetryDelay * BackoffMultiplier^n.
type RetryPolicy struct {
	MaxRetries         int           `json:"max_retries"`
	RetryDelay         time.Duration `json:"retry_delay"`
	BackoffMultiplier  float64       `json:"backoff_multiplier"`
	RetryOnStatusCodes []int         `json:"retry_on_status_codes,omitempty"`
}

// DefaultRetryPolicy returns the policy used when a node declares none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		RetryDelay:        time.Second,
		BackoffMultiplier: 2,
	}
}

// MaxAttempts returns the total attempt budget.
func (p RetryPolicy) MaxAttempts() int {
	if p.MaxRetries < 0 {
		return 1
	}

	return p.MaxRetries + 1
}

// DelayBeforeAttempt returns the backoff delay preceding the given 1-indexed
// attempt. The first attempt has no delay.
func (p RetryPolicy) DelayBeforeAttempt(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	factor := math.Pow(multiplier, float64(attempt-2))

	return time.Duration(float64(p.RetryDelay) * factor)
}

// ShouldRetryStatus reports whether a failure carrying the given HTTP-like
// status code is eligible for retry. An empty code list retries everything.
func (p RetryPolicy) ShouldRetryStatus(code int) bool {
	if len(p.RetryOnStatusCodes) == 0 {
		return true
	}

	for _, retryable := range p.RetryOnStatusCodes {
		if retryable == code {
			return true
		}
	}

	return false
}
