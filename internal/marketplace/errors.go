package marketplace

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the marketplace client
var (
	ErrRateLimit        = errors.New("marketplace rate limit exceeded")
	ErrAuth             = errors.New("marketplace authentication failed")
	ErrInstanceNotFound = errors.New("instance not found")
	ErrAPI              = errors.New("marketplace API error")
	ErrRejected         = errors.New("marketplace rejected the request")
)

// APIError wraps an error with request context
type APIError struct {
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("tensordock %s failed (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("tensordock %s failed: %s", e.Operation, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError creates a new APIError
func NewAPIError(operation string, statusCode int, message string, err error) *APIError {
	return &APIError{
		Operation:  operation,
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}

// IsAuthError checks if the error is an authentication error
func IsAuthError(err error) bool {
	if errors.Is(err, ErrAuth) {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode == http.StatusUnauthorized || ae.StatusCode == http.StatusForbidden
	}
	return false
}

// IsNotFoundError checks if the error is a not found error
func IsNotFoundError(err error) bool {
	if errors.Is(err, ErrInstanceNotFound) {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode == http.StatusNotFound
	}
	return false
}

// IsRetryable checks if the error is worth retrying on the next poll
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRateLimit) {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode == http.StatusTooManyRequests || (ae.StatusCode >= 500 && ae.StatusCode < 600)
	}
	// Transport failures (no APIError) are transient
	return !errors.Is(err, ErrAuth) && !errors.Is(err, ErrRejected)
}
