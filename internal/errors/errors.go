// Package errors defines the relayer's error taxonomy and the classifiers
// used to map raw failures onto it.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryNotAvailable is a normal polling state (attestation not indexed, receipt not mined)
	CategoryNotAvailable ErrorCategory = "not_available"
	// CategoryRateLimit is a transient throttle honored without spending an attempt
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryTransient spends an attempt and is retried with backoff
	CategoryTransient ErrorCategory = "transient"
	// CategoryAlreadyProcessed means another actor completed the destination effect
	CategoryAlreadyProcessed ErrorCategory = "already_processed"
	// CategoryTerminal means the attempt ceiling was reached
	CategoryTerminal ErrorCategory = "terminal"
	// CategoryConfig represents invalid or missing configuration
	CategoryConfig ErrorCategory = "config"
	// CategoryDatabase represents job store errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryNotFound represents unknown resources on the ops API
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryValidation represents invalid operator input
	CategoryValidation ErrorCategory = "validation"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// NewNotAvailableError marks a resource that does not exist yet
func NewNotAvailableError(resource string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotAvailable,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_AVAILABLE",
		Message:    fmt.Sprintf("%s not available yet", resource),
		Details: map[string]interface{}{
			"resource": resource,
		},
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(service string, retryAfterSeconds int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMITED",
		Message:    fmt.Sprintf("rate limited by %s", service),
		Details: map[string]interface{}{
			"service":    service,
			"retryAfter": retryAfterSeconds,
		},
	}
}

// NewTransientError wraps a failure that should be retried with backoff
func NewTransientError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransient,
		StatusCode: http.StatusBadGateway,
		Code:       "TRANSIENT_FAILURE",
		Message:    fmt.Sprintf("%s failed", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewAlreadyProcessedError marks a destination call rejected because the message was already consumed
func NewAlreadyProcessedError(cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAlreadyProcessed,
		StatusCode: http.StatusConflict,
		Code:       "ALREADY_PROCESSED",
		Message:    "message already processed on destination",
		Cause:      cause,
	}
}

// NewTerminalError marks a job that exhausted its attempts
func NewTerminalError(attempts int, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTerminal,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "RETRIES_EXHAUSTED",
		Message:    fmt.Sprintf("gave up after %d attempts", attempts),
		Cause:      cause,
		Details: map[string]interface{}{
			"attempts": attempts,
		},
	}
}

// NewConfigError creates a configuration error
func NewConfigError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConfig,
		StatusCode: http.StatusInternalServerError,
		Code:       "CONFIG_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// Categorize returns the category of err, or CategoryTransient for plain errors
func Categorize(err error) ErrorCategory {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryTransient
}

// StatusCode returns the HTTP status for err, defaulting to 500
func StatusCode(err error) int {
	var ce *CategorizedError
	if errors.As(err, &ce) && ce.StatusCode != 0 {
		return ce.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether the engine should try again later
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch Categorize(err) {
	case CategoryNotAvailable, CategoryRateLimit, CategoryTransient, CategoryDatabase:
		return true
	default:
		return false
	}
}
