package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"duocall/internal/core/domain"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	err.WithContext("field", "value").WithContext("count", 42)

	if err.Context["field"] != "value" {
		t.Errorf("Context[field] = %v, want 'value'", err.Context["field"])
	}
	if err.Context["count"] != 42 {
		t.Errorf("Context[count] = %v, want 42", err.Context["count"])
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("session")
	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
	}
	if err.HTTPStatus != 404 {
		t.Errorf("HTTPStatus = %v, want 404", err.HTTPStatus)
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", 400)

	if result := GetAppError(appErr); result != appErr {
		t.Errorf("GetAppError() = %v, want %v", result, appErr)
	}
	if result := GetAppError(fmt.Errorf("handler: %w", appErr)); result != appErr {
		t.Error("GetAppError() should extract AppError from a wrapped chain")
	}
	if result := GetAppError(errors.New("regular error")); result != nil {
		t.Error("GetAppError() should return nil for regular error")
	}
}

func TestFromDomain(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   ErrorCode
		status int
	}{
		{"not found", domain.ErrSessionNotFound, ErrCodeNotFound, http.StatusNotFound},
		{"not participant", domain.ErrNotParticipant, ErrCodeForbidden, http.StatusForbidden},
		{"ended", fmt.Errorf("leave: %w", domain.ErrSessionEnded), ErrCodeGone, http.StatusGone},
		{"invalid transition", domain.ErrInvalidTransition, ErrCodeConflict, http.StatusConflict},
		{"disclaimer", domain.ErrDisclaimerPending, ErrCodeConflict, http.StatusConflict},
		{"participant on another agent", domain.ErrParticipantActive, ErrCodeConflict, http.StatusConflict},
		{"unknown provider", domain.ErrUnknownProvider, ErrCodeInvalidInput, http.StatusBadRequest},
		{"timeout", context.DeadlineExceeded, ErrCodeTimeout, http.StatusGatewayTimeout},
		{"permission", domain.NewCaptureError(domain.KindPermissionDenied, nil), ErrCodePermissionDenied, http.StatusForbidden},
		{"busy", domain.NewCaptureError(domain.KindDeviceBusy, nil), ErrCodeCaptureFailed, http.StatusUnprocessableEntity},
		{"token", &domain.ConnectError{Kind: domain.KindTokenAcquisition, Provider: "p2p"}, ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
		{"network", &domain.ConnectError{Kind: domain.KindNetworkTransport, Provider: "p2p"}, ErrCodeBadGateway, http.StatusBadGateway},
		{"exhausted", &domain.LadderExhaustedError{Tried: []domain.ProviderName{"p2p"}}, ErrCodeBadGateway, http.StatusBadGateway},
		{"unclassified", errors.New("boom"), ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			appErr := FromDomain(tc.err)
			if appErr.Code != tc.code {
				t.Errorf("Code = %v, want %v", appErr.Code, tc.code)
			}
			if appErr.HTTPStatus != tc.status {
				t.Errorf("HTTPStatus = %v, want %v", appErr.HTTPStatus, tc.status)
			}
		})
	}
}

func TestFromDomain_CarriesHint(t *testing.T) {
	appErr := FromDomain(domain.NewCaptureError(domain.KindNoDevice, nil))
	if hint, _ := appErr.Context["hint"].(string); hint == "" {
		t.Error("capture errors should carry a remediation hint")
	}
	if FromDomain(nil) != nil {
		t.Error("FromDomain(nil) should be nil")
	}
}
