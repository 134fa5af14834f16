package inference

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// TimeoutError reports that the streaming assembler abandoned a model call
// after the wall-clock budget expired. Partial output is discarded, so the
// call is safe to retry from scratch.
type TimeoutError struct {
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("model call exceeded wall-clock budget of %s", e.Budget)
}

// ProviderError is a non-2xx response from the inference provider.
type ProviderError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider returned status %d", e.StatusCode)
}

// Transient reports whether the failure class is worth retrying.
// 5xx and rate limiting are transient; 4xx means the request or the
// credentials are wrong and a retry cannot help.
func (e *ProviderError) Transient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// EmptyResponseError reports an assembled response with no text. A safety
// false-positive is indistinguishable from a transient provider issue
// without a second attempt, so this is retryable within the bounded attempt
// budget; a true policy block therefore still terminates the case.
type EmptyResponseError struct {
	FinishReason FinishReason
}

func (e *EmptyResponseError) Error() string {
	return fmt.Sprintf("provider returned empty or blocked response (finish_reason=%s)", e.FinishReason)
}

// SessionInitError reports a failed per-case session setup. Fatal for that
// case only; never retried within a run.
type SessionInitError struct {
	CaseID string
	Err    error
}

func (e *SessionInitError) Error() string {
	return fmt.Sprintf("session init failed for case %s: %v", e.CaseID, e.Err)
}

func (e *SessionInitError) Unwrap() error { return e.Err }

// IsRetryable classifies an error for the backoff policy: transport
// failures, provider 5xx/429, deadline expiry, assembler timeouts, and
// empty/blocked responses are retryable; malformed input, auth and session
// setup failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var sessionErr *SessionInitError
	if errors.As(err, &sessionErr) {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient()
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}

	var emptyErr *EmptyResponseError
	if errors.As(err, &emptyErr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// http.Client wraps transport-level failures in *url.Error.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	return false
}
