package orchestrator

import (
	"fmt"
	"time"
)

// ValidationError rejects malformed input before any limiter or provider is touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// RateLimitedError means admission was denied. Callers should not retry
// before RetryAfterSeconds.
type RateLimitedError struct {
	RetryAfterSeconds int
	Limit             int
	Remaining         int
	ResetAt           time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfterSeconds)
}

// NoProviderAvailableError means no tier could be tried to completion: no
// usable credentials, or the primary failed with no fallback configured.
type NoProviderAvailableError struct {
	Cause error
}

func (e *NoProviderAvailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("no provider available: %v", e.Cause)
	}
	return "no provider available: configure a Gemini or OpenRouter API key"
}

func (e *NoProviderAvailableError) Unwrap() error { return e.Cause }
