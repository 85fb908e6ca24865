package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for status classification. ServiceError wraps one of
// these so callers can branch with errors.Is without inspecting codes.
var (
	// ErrRejected covers non-retryable 4xx responses and explicit
	// {success:false} payloads.
	ErrRejected = errors.New("remote: request rejected")

	// ErrUnavailable covers retryable failures that survived the retry
	// budget: 408/429/5xx and transport errors.
	ErrUnavailable = errors.New("remote: service unavailable")
)

// ServiceError is returned when the files service rejects a request or
// keeps failing past the retry budget.
type ServiceError struct {
	StatusCode int    // 0 when the failure was at the transport level
	Message    string // response body or error_message field
	Err        error  // ErrRejected or ErrUnavailable
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote: service error (status %d): %s", e.StatusCode, e.Message)
	}

	return fmt.Sprintf("remote: service error: %s", e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// isRetryable reports whether an HTTP status merits another attempt.
func isRetryable(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}

	return status >= http.StatusInternalServerError
}

// classifyStatus maps a final (post-retry) status to a sentinel.
func classifyStatus(status int) error {
	if isRetryable(status) {
		return ErrUnavailable
	}

	return ErrRejected
}
