package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents internal error codes for node operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller and peer errors
	ErrCodeInvalidArgument  ErrorCode = 1000
	ErrCodeMalformedFrame   ErrorCode = 1001
	ErrCodeUnknownMessage   ErrorCode = 1002
	ErrCodeIntegrityFailed  ErrorCode = 1003
	ErrCodeModelUnavailable ErrorCode = 1004

	// Node errors
	ErrCodeInternal      ErrorCode = 2000
	ErrCodeBrokerClosed  ErrorCode = 2001
	ErrCodeBrokerTimeout ErrorCode = 2002
	ErrCodeUploadFailed  ErrorCode = 2003
	ErrCodeDiskFull      ErrorCode = 2004
	ErrCodeStoreFailed   ErrorCode = 2005
)

// SimEdgeError represents a structured error with code and context
type SimEdgeError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SimEdgeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SimEdgeError) Unwrap() error {
	return e.Cause
}

// Transient reports whether the caller may simply retry later.
func (e *SimEdgeError) Transient() bool {
	switch e.Code {
	case ErrCodeModelUnavailable, ErrCodeBrokerTimeout, ErrCodeUploadFailed:
		return true
	default:
		return false
	}
}

// NewError creates a new SimEdgeError
func NewError(code ErrorCode, message string, cause error) *SimEdgeError {
	return &SimEdgeError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SimEdgeError) WithDetail(key string, value interface{}) *SimEdgeError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *SimEdgeError {
	return NewError(ErrCodeInvalidArgument, message, cause)
}

func MalformedFrame(reason string, size int) *SimEdgeError {
	return NewError(ErrCodeMalformedFrame, fmt.Sprintf("malformed peer frame: %s", reason), nil).
		WithDetail("reason", reason).
		WithDetail("size", size)
}

func UnknownMessage(kind string, value interface{}) *SimEdgeError {
	return NewError(ErrCodeUnknownMessage, fmt.Sprintf("unknown %s message: %v", kind, value), nil).
		WithDetail("kind", kind).
		WithDetail("value", value)
}

func IntegrityFailed(expected, actual string) *SimEdgeError {
	return NewError(ErrCodeIntegrityFailed, fmt.Sprintf("model hash mismatch: expected %s, got %s", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func ModelUnavailable(hash string) *SimEdgeError {
	return NewError(ErrCodeModelUnavailable, fmt.Sprintf("model %s is not available locally", hash), nil).
		WithDetail("model", hash)
}

func InternalError(message string, cause error) *SimEdgeError {
	return NewError(ErrCodeInternal, message, cause)
}

func BrokerClosed(cause error) *SimEdgeError {
	return NewError(ErrCodeBrokerClosed, "broker session closed", cause)
}

func BrokerTimeout(operation string, cause error) *SimEdgeError {
	return NewError(ErrCodeBrokerTimeout, fmt.Sprintf("broker did not answer %s", operation), cause).
		WithDetail("operation", operation)
}

func UploadFailed(hash string, cause error) *SimEdgeError {
	return NewError(ErrCodeUploadFailed, fmt.Sprintf("failed to upload model %s", hash), cause).
		WithDetail("model", hash)
}

func DiskFull(usagePercent float64, availableBytes uint64) *SimEdgeError {
	return NewError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func StoreFailed(message string, cause error) *SimEdgeError {
	return NewError(ErrCodeStoreFailed, message, cause)
}

// IsSimEdgeError checks if an error is a SimEdgeError
func IsSimEdgeError(err error) bool {
	var se *SimEdgeError
	return errors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *SimEdgeError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}
