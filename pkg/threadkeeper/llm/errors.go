package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies API errors for retry decisions.
type ErrorKind int

const (
	ErrorRetryable  ErrorKind = iota // generic retryable (transient 5xx)
	ErrorRateLimit                   // 429, should respect Retry-After
	ErrorOverloaded                  // 529 or "overloaded" in body
	ErrorTimeout                     // request timeout / deadline exceeded
	ErrorAuth                        // 401, 403
	ErrorBilling                     // 402 or billing-related in body
	ErrorContext                     // context_length_exceeded
	ErrorBadRequest                  // 400
	ErrorFatal                       // everything else
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorRetryable:
		return "retryable"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorOverloaded:
		return "overloaded"
	case ErrorTimeout:
		return "timeout"
	case ErrorAuth:
		return "auth"
	case ErrorBilling:
		return "billing"
	case ErrorContext:
		return "context_overflow"
	case ErrorBadRequest:
		return "bad_request"
	case ErrorFatal:
		return "fatal"
	}
	return "unknown"
}

// Retryable returns true if the error kind warrants retrying.
func (k ErrorKind) Retryable() bool {
	return k == ErrorRetryable || k == ErrorRateLimit || k == ErrorOverloaded || k == ErrorTimeout
}

// APIError captures HTTP status, body, and optional Retry-After.
type APIError struct {
	StatusCode    int
	Body          string
	RetryAfterSec int
	Model         string
	Kind          ErrorKind
}

func (e *APIError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s: API returned %d (%s): %s", e.Model, e.StatusCode, e.Kind, truncate(e.Body, 200))
	}
	return fmt.Sprintf("API returned %d (%s): %s", e.StatusCode, e.Kind, truncate(e.Body, 200))
}

// KindOf returns the classification of err, ErrorFatal when unknown.
func KindOf(err error) ErrorKind {
	var apierr *APIError
	if errors.As(err, &apierr) {
		return apierr.Kind
	}
	return ErrorFatal
}

// ClassifyAPIError determines the error kind from status code and response body.
func ClassifyAPIError(statusCode int, body string) ErrorKind {
	bodyLower := strings.ToLower(body)

	// Context overflow first.
	if strings.Contains(bodyLower, "context_length_exceeded") ||
		strings.Contains(bodyLower, "maximum context length") {
		return ErrorContext
	}

	if statusCode == 402 ||
		strings.Contains(bodyLower, "billing") ||
		strings.Contains(bodyLower, "insufficient_quota") ||
		strings.Contains(bodyLower, "payment required") {
		return ErrorBilling
	}

	if statusCode == 429 ||
		strings.Contains(bodyLower, "rate_limit") ||
		strings.Contains(bodyLower, "rate limit") ||
		strings.Contains(bodyLower, "too many requests") {
		return ErrorRateLimit
	}

	if statusCode == 529 ||
		strings.Contains(bodyLower, "overloaded") {
		return ErrorOverloaded
	}

	if strings.Contains(bodyLower, "timeout") ||
		strings.Contains(bodyLower, "deadline") ||
		strings.Contains(bodyLower, "timed out") {
		return ErrorTimeout
	}

	switch statusCode {
	case 400:
		return ErrorBadRequest
	case 401, 403:
		return ErrorAuth
	default:
		if statusCode >= 500 {
			return ErrorRetryable
		}
		return ErrorFatal
	}
}
