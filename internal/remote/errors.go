package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransport classifies network and server failures at any stage.
	// Re-running the pipeline may succeed.
	ErrTransport = errors.New("transport failure")

	// ErrUnprocessableInput means the service rejected the uploaded content.
	// The user has to pick a different file.
	ErrUnprocessableInput = errors.New("unprocessable input")
)

// StatusError represents a non-2xx response from the clip service.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// Unwrap classifies the status: 422 is unprocessable input, everything
// else a transport failure.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnprocessableEntity {
		return ErrUnprocessableInput
	}
	return ErrTransport
}

// IsRetryable returns true for server errors (5xx).
// Client errors (4xx) are considered permanent.
func (e *StatusError) IsRetryable() bool {
	return e.StatusCode >= 500
}

// RequestError wraps a failure that happened before a response arrived
// (dial, TLS, timeout, cancelled context) or while reading/decoding it.
type RequestError struct {
	Op  string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s request failed: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// IsUnprocessable reports whether err is an unprocessable-input rejection.
func IsUnprocessable(err error) bool {
	return errors.Is(err, ErrUnprocessableInput)
}
