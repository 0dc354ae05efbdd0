package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"duocall/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeGone               ErrorCode = "SESSION_ENDED"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeBadGateway         ErrorCode = "BAD_GATEWAY"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"
	ErrCodePermissionDenied   ErrorCode = "PERMISSION_DENIED"
	ErrCodeCaptureFailed      ErrorCode = "CAPTURE_FAILED"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// FromDomain maps an orchestration error onto its API representation.
// Fatal capture errors carry their remediation hint in Context["hint"].
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case stderrors.Is(err, domain.ErrSessionNotFound):
		return WrapError(err, ErrCodeNotFound, "session not found", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrNotParticipant):
		return WrapError(err, ErrCodeForbidden, "not a participant of this session", http.StatusForbidden)
	case stderrors.Is(err, domain.ErrOutsideWindow):
		return WrapError(err, ErrCodeConflict, "session is not open for joining", http.StatusConflict)
	case stderrors.Is(err, domain.ErrSessionEnded):
		return WrapError(err, ErrCodeGone, "session has ended", http.StatusGone)
	case stderrors.Is(err, domain.ErrInvalidTransition),
		stderrors.Is(err, domain.ErrMediaNotReady),
		stderrors.Is(err, domain.ErrDisclaimerPending),
		stderrors.Is(err, domain.ErrParticipantActive):
		return WrapError(err, ErrCodeConflict, err.Error(), http.StatusConflict)
	case stderrors.Is(err, domain.ErrUnknownProvider):
		return WrapError(err, ErrCodeInvalidInput, "unknown transport provider", http.StatusBadRequest)
	case stderrors.Is(err, context.DeadlineExceeded):
		return WrapError(err, ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout)
	}

	var exhausted *domain.LadderExhaustedError
	if stderrors.As(err, &exhausted) {
		return WrapError(err, ErrCodeBadGateway, "no transport provider could connect", http.StatusBadGateway).
			WithContext("tried", exhausted.Tried)
	}

	kind := domain.KindOf(err)
	switch kind {
	case domain.KindPermissionDenied:
		return WrapError(err, ErrCodePermissionDenied, "camera or microphone access denied", http.StatusForbidden).
			WithContext("kind", kind).WithContext("hint", domain.Hint(err))
	case domain.KindNoDevice, domain.KindDeviceBusy, domain.KindUnsupported:
		return WrapError(err, ErrCodeCaptureFailed, "local media could not be captured", http.StatusUnprocessableEntity).
			WithContext("kind", kind).WithContext("hint", domain.Hint(err))
	case domain.KindTokenAcquisition:
		return WrapError(err, ErrCodeServiceUnavailable, "transport credentials unavailable", http.StatusServiceUnavailable).
			WithContext("kind", kind)
	case domain.KindProviderHandshake:
		return WrapError(err, ErrCodeBadGateway, "transport provider rejected the connection", http.StatusBadGateway).
			WithContext("kind", kind)
	}
	var connectErr *domain.ConnectError
	if stderrors.As(err, &connectErr) {
		return WrapError(err, ErrCodeBadGateway, "transport connection failed", http.StatusBadGateway).
			WithContext("kind", kind).WithContext("provider", connectErr.Provider)
	}
	return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
