// Package errors defines the typed error taxonomy used across the ambassador.
//
// Every public operation returns an *Error carrying an internal type and
// message. The HTTP layer maps types to short public codes; the detailed
// message never crosses the wire for authentication or authorization
// failures.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error types
const (
	// ErrValidation is returned when request input fails validation
	ErrValidation = "validation"

	// ErrUnauthorized is returned when authentication fails for any reason
	ErrUnauthorized = "unauthorized"

	// ErrForbidden is returned when an authorization decision denies access
	ErrForbidden = "forbidden"

	// ErrNotFound is returned when a referenced entity or tool does not exist
	ErrNotFound = "not_found"

	// ErrConflict is returned when an operation conflicts with existing state
	ErrConflict = "conflict"

	// ErrRateLimited is returned when a client exceeds its rate limits
	ErrRateLimited = "rate_limited"

	// ErrServiceUnavailable is returned when a required subsystem refuses work
	ErrServiceUnavailable = "service_unavailable"

	// ErrInternal is returned for unexpected internal failures
	ErrInternal = "internal"

	// ErrResourceLimitExceeded is returned when a spawn would breach
	// per-user or global instance caps
	ErrResourceLimitExceeded = "resource_limit_exceeded"

	// ErrProviderNotAllowed is returned when a provider name is not on the allow-list
	ErrProviderNotAllowed = "provider_not_allowed"

	// ErrProviderInvalid is returned when a provider fails interface validation
	ErrProviderInvalid = "provider_invalid"

	// ErrProviderUnhealthy is returned when a provider fails its health check
	ErrProviderUnhealthy = "provider_unhealthy"

	// ErrInvalidState is returned when an OAuth state row is missing or expired
	ErrInvalidState = "invalid_state"

	// ErrTimeout is returned when a downstream invocation exceeds its deadline
	ErrTimeout = "timeout"

	// ErrDecryptionFailed is returned when vault decryption fails for any reason
	ErrDecryptionFailed = "decryption_failed"
)

// Error represents an error in the application.
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error

	// Metadata carries structured context, e.g. resource-limit counters.
	Metadata map[string]any
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithMetadata attaches structured context to the error and returns it.
func (e *Error) WithMetadata(metadata map[string]any) *Error {
	e.Metadata = metadata
	return e
}

// NewError creates a new error.
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, cause error) *Error {
	return NewError(ErrValidation, message, cause)
}

// NewUnauthorizedError creates a new unauthorized error.
func NewUnauthorizedError(message string, cause error) *Error {
	return NewError(ErrUnauthorized, message, cause)
}

// NewForbiddenError creates a new forbidden error.
func NewForbiddenError(message string, cause error) *Error {
	return NewError(ErrForbidden, message, cause)
}

// NewNotFoundError creates a new not found error.
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewRateLimitedError creates a new rate limited error.
func NewRateLimitedError(message string, cause error) *Error {
	return NewError(ErrRateLimited, message, cause)
}

// NewServiceUnavailableError creates a new service unavailable error.
func NewServiceUnavailableError(message string, cause error) *Error {
	return NewError(ErrServiceUnavailable, message, cause)
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// NewResourceLimitExceededError creates a new resource limit exceeded error.
func NewResourceLimitExceededError(message string, cause error) *Error {
	return NewError(ErrResourceLimitExceeded, message, cause)
}

// NewProviderNotAllowedError creates a new provider not allowed error.
func NewProviderNotAllowedError(message string, cause error) *Error {
	return NewError(ErrProviderNotAllowed, message, cause)
}

// NewProviderInvalidError creates a new provider invalid error.
func NewProviderInvalidError(message string, cause error) *Error {
	return NewError(ErrProviderInvalid, message, cause)
}

// NewProviderUnhealthyError creates a new provider unhealthy error.
func NewProviderUnhealthyError(message string, cause error) *Error {
	return NewError(ErrProviderUnhealthy, message, cause)
}

// NewInvalidStateError creates a new invalid state error.
func NewInvalidStateError(message string, cause error) *Error {
	return NewError(ErrInvalidState, message, cause)
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, cause error) *Error {
	return NewError(ErrTimeout, message, cause)
}

// NewDecryptionFailedError creates a new decryption failed error.
func NewDecryptionFailedError(message string, cause error) *Error {
	return NewError(ErrDecryptionFailed, message, cause)
}

// TypeOf returns the error type of err, or ErrInternal when err is not an
// *Error anywhere in its chain.
func TypeOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrInternal
}

// MetadataOf returns the structured metadata of err, or nil.
func MetadataOf(err error) map[string]any {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Metadata
	}
	return nil
}

func isType(err error, errorType string) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Type == errorType
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return isType(err, ErrValidation)
}

// IsUnauthorized checks if the error is an unauthorized error.
func IsUnauthorized(err error) bool {
	return isType(err, ErrUnauthorized)
}

// IsForbidden checks if the error is a forbidden error.
func IsForbidden(err error) bool {
	return isType(err, ErrForbidden)
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return isType(err, ErrNotFound)
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	return isType(err, ErrConflict)
}

// IsRateLimited checks if the error is a rate limited error.
func IsRateLimited(err error) bool {
	return isType(err, ErrRateLimited)
}

// IsServiceUnavailable checks if the error is a service unavailable error.
func IsServiceUnavailable(err error) bool {
	return isType(err, ErrServiceUnavailable)
}

// IsInternal checks if the error is an internal error.
func IsInternal(err error) bool {
	return isType(err, ErrInternal)
}

// IsResourceLimitExceeded checks if the error is a resource limit exceeded error.
func IsResourceLimitExceeded(err error) bool {
	return isType(err, ErrResourceLimitExceeded)
}

// IsInvalidState checks if the error is an invalid state error.
func IsInvalidState(err error) bool {
	return isType(err, ErrInvalidState)
}

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool {
	return isType(err, ErrTimeout)
}

// IsDecryptionFailed checks if the error is a decryption failed error.
func IsDecryptionFailed(err error) bool {
	return isType(err, ErrDecryptionFailed)
}
