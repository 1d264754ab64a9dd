// Package errors provides the error codes surfaced by the queue, the processor
// and the mutation coordinator.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure
type ErrorCode string

const (
	// ErrConnectivityUnavailable means no attempt was made because the client is offline
	ErrConnectivityUnavailable ErrorCode = "CONNECTIVITY_UNAVAILABLE"
	// ErrUnauthenticated means no credential is available
	ErrUnauthenticated ErrorCode = "UNAUTHENTICATED"
	// ErrRemoteRejected means the remote service answered with an error status
	ErrRemoteRejected ErrorCode = "REMOTE_REJECTED"
	// ErrTransportFailure means the request did not complete at the network level
	ErrTransportFailure ErrorCode = "TRANSPORT_FAILURE"
	// ErrStorage means the durable store failed
	ErrStorage ErrorCode = "STORAGE_ERROR"
	// ErrInvalidOperation means an operation is missing required fields
	ErrInvalidOperation ErrorCode = "INVALID_OPERATION"
	// ErrNotFound means the addressed task is not in the cache
	ErrNotFound ErrorCode = "NOT_FOUND"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Status  int // HTTP status for ErrRemoteRejected, zero otherwise
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	msg := e.Message
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Rejected builds a REMOTE_REJECTED error for an HTTP status.
func Rejected(status int, message string) *AppError {
	return &AppError{Code: ErrRemoteRejected, Message: message, Status: status}
}

// Storage wraps a persistence failure.
func Storage(message string, err error) *AppError {
	return Wrap(ErrStorage, message, err)
}

// Is checks if any error in err's chain carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first AppError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// StatusOf returns the remote HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Status
	}
	return 0
}
