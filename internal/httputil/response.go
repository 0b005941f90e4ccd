package httputil

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/openclaw/wa-session-broker/internal/errors"
)

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error   string              `json:"error"`
	Code    apperrors.ErrorCode `json:"code"`
	Details any                 `json:"details,omitempty"`
}

// WriteError writes an AppError as an HTTP response with appropriate status code
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("An unexpected error occurred")
	}

	WriteJSON(w, StatusFromCode(appErr.Code), ErrorResponse{
		Error:   appErr.Message,
		Code:    appErr.Code,
		Details: appErr.Details,
	})
}

// StatusFromCode maps ErrorCode to HTTP status code
func StatusFromCode(code apperrors.ErrorCode) int {
	switch code {
	// 400 Bad Request
	case apperrors.ErrCodeValidation,
		apperrors.ErrCodeInvalidPhoneNumber:
		return http.StatusBadRequest

	// 404 Not Found
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound

	// 409 Conflict
	case apperrors.ErrCodePairingInProgress,
		apperrors.ErrCodeNotConnected,
		apperrors.ErrCodeLoggedOut:
		return http.StatusConflict

	// 429 Too Many Requests
	case apperrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests

	// 502 Bad Gateway
	case apperrors.ErrCodeExternal,
		apperrors.ErrCodeTransientDisconnect:
		return http.StatusBadGateway

	// 503 Service Unavailable
	case apperrors.ErrCodeCapacityExceeded:
		return http.StatusServiceUnavailable

	// 504 Gateway Timeout
	case apperrors.ErrCodePairingTimeout:
		return http.StatusGatewayTimeout

	default:
		return http.StatusInternalServerError
	}
}
