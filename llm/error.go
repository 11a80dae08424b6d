package llm

import "strings"

// ErrorCode aligns upstream failures with HTTP status, retryability and the
// failover policy.
type ErrorCode string

const (
	ErrInvalidRequest      ErrorCode = "LLM_INVALID_REQUEST"
	ErrUnauthorized        ErrorCode = "LLM_UNAUTHORIZED"
	ErrForbidden           ErrorCode = "LLM_FORBIDDEN"
	ErrRateLimited         ErrorCode = "LLM_RATE_LIMITED"
	ErrQuotaExceeded       ErrorCode = "LLM_QUOTA_EXCEEDED"
	ErrUpstreamTimeout     ErrorCode = "LLM_UPSTREAM_TIMEOUT"
	ErrUpstreamError       ErrorCode = "LLM_UPSTREAM_ERROR"
	ErrProviderUnavailable ErrorCode = "LLM_PROVIDER_UNAVAILABLE"
	ErrExhausted           ErrorCode = "LLM_PROVIDERS_EXHAUSTED"
)

// Error is the typed upstream error surfaced by provider adapters. It never
// crosses the orchestrator boundary except embedded in an error chunk.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// IsRateLimit reports whether the failure should be treated as rate limiting
// for cooldown purposes. Besides the typed codes, the error text is matched
// for the markers upstreams embed in 4xx bodies.
func (e *Error) IsRateLimit() bool {
	if e == nil {
		return false
	}
	if e.Code == ErrRateLimited || e.Code == ErrQuotaExceeded {
		return true
	}
	return IsRateLimitText(e.Message)
}

// IsRateLimitText classifies an error message as rate limiting when it
// mentions 429, "rate" or "quota".
func IsRateLimitText(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "429") ||
		strings.Contains(m, "rate") ||
		strings.Contains(m, "quota")
}
