package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeNotFound, "Session not found")
		assert.Equal(t, "NOT_FOUND: Session not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("disk full")
		err := Wrap(ErrCodePersistence, "Persistence error", cause)
		assert.Contains(t, err.Error(), "PERSISTENCE_ERROR")
		assert.Contains(t, err.Error(), "Persistence error")
		assert.Contains(t, err.Error(), "disk full")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(ErrCodeInternal, "Something went wrong").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		details := map[string]string{"field": "phoneNumber"}
		err := New(ErrCodeValidation, "Validation failed").WithDetails(details)
		assert.Equal(t, details, err.Details)
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func() *AppError
		expectedCode ErrorCode
	}{
		{"CapacityExceeded", func() *AppError { return CapacityExceeded(100) }, ErrCodeCapacityExceeded},
		{"NotFound", func() *AppError { return NotFound("Session") }, ErrCodeNotFound},
		{"ValidationError", func() *AppError { return ValidationError("test") }, ErrCodeValidation},
		{"InvalidPhoneNumber", func() *AppError { return InvalidPhoneNumber("123") }, ErrCodeInvalidPhoneNumber},
		{"PairingTimeout", func() *AppError { return PairingTimeout(30 * time.Second) }, ErrCodePairingTimeout},
		{"PairingInProgress", func() *AppError { return PairingInProgress() }, ErrCodePairingInProgress},
		{"RateLimited", func() *AppError { return RateLimited(time.Now()) }, ErrCodeRateLimited},
		{"NotConnected", func() *AppError { return NotConnected() }, ErrCodeNotConnected},
		{"TransientDisconnect", func() *AppError { return TransientDisconnect("connection lost") }, ErrCodeTransientDisconnect},
		{"LoggedOut", func() *AppError { return LoggedOut() }, ErrCodeLoggedOut},
		{"Internal", func() *AppError { return Internal("test") }, ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor()
			assert.Equal(t, tc.expectedCode, err.Code)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestCapacityExceeded(t *testing.T) {
	t.Run("includes ceiling in message and details", func(t *testing.T) {
		err := CapacityExceeded(7)
		assert.Contains(t, err.Message, "7")
		assert.Equal(t, map[string]int{"max": 7}, err.Details)
	})
}

func TestExternal(t *testing.T) {
	t.Run("wraps external service error", func(t *testing.T) {
		cause := errors.New("timeout")
		err := External("WhatsApp", cause)
		assert.Equal(t, ErrCodeExternal, err.Code)
		assert.Contains(t, err.Message, "WhatsApp")
		assert.Equal(t, cause, err.Unwrap())
	})
}

func TestAsAppError(t *testing.T) {
	t.Run("extracts AppError", func(t *testing.T) {
		original := NotConnected()
		extracted, ok := AsAppError(original)
		assert.True(t, ok)
		assert.Equal(t, original, extracted)
	})

	t.Run("extracts AppError wrapped with fmt.Errorf", func(t *testing.T) {
		original := NotConnected()
		wrapped := fmt.Errorf("check numbers: %w", original)
		extracted, ok := AsAppError(wrapped)
		assert.True(t, ok)
		assert.Equal(t, original, extracted)
		assert.True(t, IsAppError(wrapped))
	})

	t.Run("returns false for non-AppError", func(t *testing.T) {
		err := errors.New("standard error")
		extracted, ok := AsAppError(err)
		assert.False(t, ok)
		assert.Nil(t, extracted)
	})
}

func TestGetCode(t *testing.T) {
	t.Run("returns code for AppError", func(t *testing.T) {
		assert.Equal(t, ErrCodeLoggedOut, GetCode(LoggedOut()))
	})

	t.Run("returns ErrCodeInternal for standard error", func(t *testing.T) {
		assert.Equal(t, ErrCodeInternal, GetCode(errors.New("standard error")))
	})
}

func TestHasCode(t *testing.T) {
	t.Run("matches code of AppError", func(t *testing.T) {
		assert.True(t, HasCode(CapacityExceeded(1), ErrCodeCapacityExceeded))
		assert.False(t, HasCode(CapacityExceeded(1), ErrCodeNotConnected))
	})

	t.Run("returns false for nil and standard errors", func(t *testing.T) {
		assert.False(t, HasCode(nil, ErrCodeInternal))
		assert.False(t, HasCode(errors.New("x"), ErrCodeInternal))
	})
}
