package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// StatusError is a classified non-success HTTP response.
type StatusError struct {
	StatusCode int
	Class      Class
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s error (status %d): %s", e.Class, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s error (status %d)", e.Class, e.StatusCode)
}

// TransportError is a connection-level failure where no response was obtained.
type TransportError struct {
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s error: %v", ClassTransport, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ClassOf returns the class carried by err, or "" if err is not classified.
func ClassOf(err error) Class {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Class
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return ClassTransport
	}
	return ""
}

// IsClientError reports whether err is a 4xx response.
func IsClientError(err error) bool {
	return ClassOf(err) == ClassClient
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(class Class) bool {
	switch class {
	case ClassServer, ClassUnexpected, ClassTransport:
		return true
	default:
		// client errors and unclassified domain errors are terminal
		return false
	}
}

// IsRetriable reports whether err is a transient failure worth retrying.
func IsRetriable(err error) bool {
	return shouldRetry(ClassOf(err))
}
