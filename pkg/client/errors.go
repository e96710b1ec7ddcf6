package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the requester.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrInvalidDescriptor is returned when a request cannot be built from its descriptor.
	ErrInvalidDescriptor = errors.New("invalid request descriptor")

	// ErrRequestBlocked is returned when the error-limit gate refuses a request.
	ErrRequestBlocked = errors.New("request blocked: error limit critical")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents any non-200 status outside 5xx.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents requests refused by the error-limit gate.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport faults (connection reset, aborted, refused).
	ErrorClassNetwork ErrorClass = "network"
)

// ESIError represents an ESI-specific error with additional context.
type ESIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *ESIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ESI %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("ESI %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ESIError) Unwrap() error {
	return e.Err
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassNetwork:
		return true
	default:
		// client errors abort immediately; rate limit blocks wait for the gate, not a backoff
		return false
	}
}

// classifyStatus maps a non-200 status code onto an error class.
func classifyStatus(status int) ErrorClass {
	if status >= 500 && status < 600 {
		return ErrorClassServer
	}
	return ErrorClassClient
}
