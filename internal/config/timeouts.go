package config

import "time"

// Timeouts centralizes all timeout and retry configuration for model calls.
//
// KEY INSIGHT: in Go the SHORTEST timeout in the chain wins. If the HTTP
// client allows 20 minutes but the call context allows 90 seconds, the
// context wins. The call budget below is therefore the single source of
// truth; the HTTP client timeout is set slightly above it so the transport
// never preempts the assembler's watchdog.
type Timeouts struct {
	// HTTPClientTimeout covers connection, TLS handshake, and full body read.
	HTTPClientTimeout time.Duration `yaml:"http_client_timeout"`

	// CallBudget is the wall-clock budget the streaming assembler enforces
	// per model call. Long multi-document reports stream for minutes.
	CallBudget time.Duration `yaml:"call_budget"`

	// RetryMinWait is the floor for exponential backoff between retries.
	RetryMinWait time.Duration `yaml:"retry_min_wait"`

	// RetryMaxWait is the ceiling for backoff waits.
	RetryMaxWait time.Duration `yaml:"retry_max_wait"`

	// MaxAttempts caps the total attempts (first try included) per call.
	MaxAttempts int `yaml:"max_attempts"`

	// RateLimitDelay is the minimum gap between consecutive provider calls.
	RateLimitDelay time.Duration `yaml:"rate_limit_delay"`
}

// DefaultTimeouts returns values calibrated for minutes-long report
// generation: mega-prompts over full document sets stream slowly, so the
// call budget is 20 minutes and retries back off between 5s and 120s.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		HTTPClientTimeout: 21 * time.Minute, // stays above CallBudget
		CallBudget:        20 * time.Minute,
		RetryMinWait:      5 * time.Second,
		RetryMaxWait:      120 * time.Second,
		MaxAttempts:       7,
		RateLimitDelay:    100 * time.Millisecond,
	}
}

// FastTimeouts returns shorter budgets for small prompts and tests.
func FastTimeouts() Timeouts {
	return Timeouts{
		HTTPClientTimeout: 6 * time.Minute,
		CallBudget:        5 * time.Minute,
		RetryMinWait:      500 * time.Millisecond,
		RetryMaxWait:      10 * time.Second,
		MaxAttempts:       3,
		RateLimitDelay:    100 * time.Millisecond,
	}
}
