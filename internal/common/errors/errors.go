// Package errors provides custom error types for the Agentfleet application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeToolNotFound   = "TOOL_NOT_FOUND"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeBufferOverflow = "BUFFER_OVERFLOW"
	ErrCodeProcess        = "PROCESS_ERROR"
	ErrCodePathTraversal  = "PATH_TRAVERSAL"
	ErrCodePersistence    = "PERSISTENCE_ERROR"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Validation creates a new validation error for malformed input.
func Validation(message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// ToolNotFound reports that the external agent CLI binary is missing.
func ToolNotFound(binary string) *AppError {
	return &AppError{
		Code:       ErrCodeToolNotFound,
		Message:    fmt.Sprintf("agent tool '%s' not found in PATH", binary),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Timeout reports that an execution exceeded its wall-clock limit.
func Timeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// BufferOverflow reports that streamed output exceeded the configured cap.
func BufferOverflow(limit int) *AppError {
	return &AppError{
		Code:       ErrCodeBufferOverflow,
		Message:    fmt.Sprintf("agent output exceeded %d bytes", limit),
		HTTPStatus: http.StatusInsufficientStorage,
	}
}

// Process reports a non-zero process exit without a parsed result.
func Process(exitCode int, stderr string) *AppError {
	msg := fmt.Sprintf("agent process exited with code %d", exitCode)
	if stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, stderr)
	}
	return &AppError{
		Code:       ErrCodeProcess,
		Message:    msg,
		HTTPStatus: http.StatusBadGateway,
	}
}

// PathTraversal reports a mailbox destination escaping its sandbox.
func PathTraversal(name string) *AppError {
	return &AppError{
		Code:       ErrCodePathTraversal,
		Message:    fmt.Sprintf("destination '%s' escapes the recipient inbox", name),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Persistence wraps a durable-write failure. These are logged, never fatal.
func Persistence(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodePersistence,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Internal creates a new internal error with a wrapped underlying error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Code returns the error code for an error, or INTERNAL_ERROR for plain errors.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return Code(err) == ErrCodeNotFound
}

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool {
	return Code(err) == ErrCodeTimeout
}

// IsToolNotFound checks if the error reports a missing agent CLI binary.
func IsToolNotFound(err error) bool {
	return Code(err) == ErrCodeToolNotFound
}

// IsBufferOverflow checks if the error reports an output cap breach.
func IsBufferOverflow(err error) bool {
	return Code(err) == ErrCodeBufferOverflow
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
