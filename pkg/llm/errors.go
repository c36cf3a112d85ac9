package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType classifies provider failures for retry logic.
type ErrorType int8

const (
	// Retryable error types.

	// ErrorTypeRateLimit covers rate limiting (429, quota exceeded).
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient covers 5xx, EOF, connection reset, timeout.
	ErrorTypeTransient
	// ErrorTypeEmptyResponse covers HTTP 200 with no content.
	ErrorTypeEmptyResponse
	// ErrorTypeOverloaded covers provider overload responses (529).
	ErrorTypeOverloaded

	// Non-retryable error types.

	// ErrorTypeAuth covers 401/403 and bad API keys.
	ErrorTypeAuth
	// ErrorTypeBadPrompt covers malformed requests (too long, policy).
	ErrorTypeBadPrompt
	// ErrorTypeUnknown is the default for unclassified errors.
	ErrorTypeUnknown
)

func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeOverloaded:
		return "overloaded"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// RetryConfig defines exponential backoff per error type.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfigs provides retry configurations per error type.
//
//nolint:gochecknoglobals // package defaults
var DefaultRetryConfigs = map[ErrorType]RetryConfig{
	ErrorTypeEmptyResponse: {
		MaxRetries:    5,
		InitialDelay:  2 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeRateLimit: {
		MaxRetries:    6,
		InitialDelay:  1 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeOverloaded: {
		MaxRetries:    4,
		InitialDelay:  2 * time.Second,
		MaxDelay:      45 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeTransient: {
		MaxRetries:    4,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeAuth: {
		MaxRetries: 0,
	},
	ErrorTypeBadPrompt: {
		MaxRetries: 0,
	},
	ErrorTypeUnknown: {
		MaxRetries:    1,
		InitialDelay:  1 * time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
}

// Error is a classified provider error with retry metadata.
type Error struct {
	Err        error
	Message    string
	Type       ErrorType
	StatusCode int
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("LLM error (%s): %s", e.Type, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("LLM error (%s): %v", e.Type, e.Err)
	}
	return fmt.Sprintf("LLM error (%s): status %d", e.Type, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable uses a blocklist: everything retries unless explicitly
// non-retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt:
		return false
	default:
		return true
	}
}

// RetryConfigFor returns the retry configuration for this error.
func (e *Error) RetryConfigFor() RetryConfig {
	if cfg, ok := DefaultRetryConfigs[e.Type]; ok {
		return cfg
	}
	return DefaultRetryConfigs[ErrorTypeUnknown]
}

// Is checks whether err carries a specific classified type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the classified type, or ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

// IsRetryable reports whether an arbitrary error should be retried.
// Unclassified errors are not.
func IsRetryable(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.IsRetryable()
	}
	return false
}

// NewError creates a classified error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// NewErrorWithStatus creates a classified error with an HTTP status.
func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{Type: errorType, StatusCode: statusCode, Message: message}
}

// NewErrorWithCause wraps a cause with a classification.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// Classify maps an arbitrary provider SDK error to a classified Error.
// Status codes embedded in the error text take precedence; string patterns
// cover SDK errors that do not surface a status.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewErrorWithCause(ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return NewErrorWithCause(ErrorTypeTransient, err, "request canceled")
	}

	errStr := err.Error()
	if code := extractStatusCode(errStr); code != 0 {
		if t := ClassifyStatus(code); t != ErrorTypeUnknown {
			return NewErrorWithStatus(t, code, errStr)
		}
	}

	lower := strings.ToLower(errStr)
	switch {
	case strings.Contains(lower, "overloaded"):
		return NewErrorWithCause(ErrorTypeOverloaded, err, "provider overloaded")
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "connection"),
		strings.Contains(lower, "network"), strings.Contains(lower, "temporary"),
		strings.Contains(errStr, "EOF"), strings.Contains(lower, "reset"):
		return NewErrorWithCause(ErrorTypeTransient, err, "network or connection error")
	case strings.Contains(lower, "rate"), strings.Contains(lower, "quota"):
		return NewErrorWithCause(ErrorTypeRateLimit, err, "rate limiting detected")
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "api key"),
		strings.Contains(lower, "auth"):
		return NewErrorWithCause(ErrorTypeAuth, err, "authentication error")
	case strings.Contains(lower, "invalid"), strings.Contains(lower, "malformed"),
		strings.Contains(lower, "too large"), strings.Contains(lower, "content policy"):
		return NewErrorWithCause(ErrorTypeBadPrompt, err, "request rejected")
	default:
		return NewErrorWithCause(ErrorTypeUnknown, err, "")
	}
}

// extractStatusCode scans an error string for a known HTTP status code.
func extractStatusCode(errStr string) int {
	for _, code := range []int{529, 429, 401, 403, 400, 413, 422, 500, 502, 503, 504} {
		if strings.Contains(errStr, fmt.Sprintf(" %d", code)) ||
			strings.Contains(errStr, fmt.Sprintf("%d:", code)) ||
			strings.Contains(errStr, fmt.Sprintf("status %d", code)) {
			return code
		}
	}
	return 0
}

// ClassifyStatus maps an HTTP status code to an error type.
func ClassifyStatus(statusCode int) ErrorType {
	switch {
	case statusCode == 429:
		return ErrorTypeRateLimit
	case statusCode == 529:
		return ErrorTypeOverloaded
	case statusCode == 401 || statusCode == 403:
		return ErrorTypeAuth
	case statusCode == 400 || statusCode == 413 || statusCode == 422:
		return ErrorTypeBadPrompt
	case statusCode >= 500:
		return ErrorTypeTransient
	default:
		return ErrorTypeUnknown
	}
}
