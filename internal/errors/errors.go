package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Session registry
	ErrCodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"

	// Validation
	ErrCodeValidation         ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidPhoneNumber ErrorCode = "INVALID_PHONE_NUMBER"

	// Pairing
	ErrCodePairingTimeout    ErrorCode = "PAIRING_TIMEOUT"
	ErrCodePairingInProgress ErrorCode = "PAIRING_IN_PROGRESS"
	ErrCodeRateLimited       ErrorCode = "RATE_LIMITED"

	// Connection
	ErrCodeNotConnected        ErrorCode = "NOT_CONNECTED"
	ErrCodeTransientDisconnect ErrorCode = "TRANSIENT_DISCONNECT"
	ErrCodeLoggedOut           ErrorCode = "LOGGED_OUT"

	// Internal
	ErrCodeInternal    ErrorCode = "INTERNAL_ERROR"
	ErrCodeExternal    ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrCodePersistence ErrorCode = "PERSISTENCE_ERROR"
)

// AppError is a structured error that can be returned to callers
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func CapacityExceeded(max int) *AppError {
	return New(ErrCodeCapacityExceeded, fmt.Sprintf("Max sessions limit (%d) reached", max)).
		WithDetails(map[string]int{"max": max})
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidPhoneNumber(input string) *AppError {
	return New(ErrCodeInvalidPhoneNumber, "Invalid phone number format").
		WithDetails(map[string]string{"phoneNumber": input})
}

func PairingTimeout(after time.Duration) *AppError {
	return New(ErrCodePairingTimeout, fmt.Sprintf("Pairing code request timed out after %s", after))
}

func PairingInProgress() *AppError {
	return New(ErrCodePairingInProgress, "A pairing code request is already outstanding for this session")
}

func RateLimited(resetAt time.Time) *AppError {
	return New(ErrCodeRateLimited, "Too many pairing code requests for this phone number").
		WithDetails(map[string]int64{"resetAt": resetAt.Unix()})
}

func NotConnected() *AppError {
	return New(ErrCodeNotConnected, "Session not connected")
}

func TransientDisconnect(reason string) *AppError {
	return New(ErrCodeTransientDisconnect, fmt.Sprintf("Connection lost: %s", reason))
}

func LoggedOut() *AppError {
	return New(ErrCodeLoggedOut, "Logged out from WhatsApp; pair the device again")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func External(service string, cause error) *AppError {
	return Wrap(ErrCodeExternal, fmt.Sprintf("External service error: %s", service), cause)
}

func Persistence(cause error) *AppError {
	return Wrap(ErrCodePersistence, "Persistence error", cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err is an AppError carrying code.
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}
