package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies every failure the orchestration core can surface.
type ErrorKind string

const (
	KindPermissionDenied  ErrorKind = "PermissionDenied"
	KindNoDevice          ErrorKind = "NoDevice"
	KindDeviceBusy        ErrorKind = "DeviceBusy"
	KindUnsupported       ErrorKind = "Unsupported"
	KindNetworkTransport  ErrorKind = "NetworkTransportFailure"
	KindProviderHandshake ErrorKind = "ProviderHandshakeFailure"
	KindTokenAcquisition  ErrorKind = "TokenAcquisitionFailure"
	KindQualityDegraded   ErrorKind = "QualityDegraded"
	KindSessionTerminated ErrorKind = "SessionTerminated"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrSessionEnded      = errors.New("session ended")
	ErrMediaNotReady     = errors.New("local media not acquired")
	ErrNoProviders       = errors.New("no transport providers configured")
	ErrUnknownProvider   = errors.New("unknown transport provider")
	ErrSessionNotFound   = errors.New("session not found")
	ErrNotParticipant    = errors.New("identity is not a participant of the session")
	ErrOutsideWindow     = errors.New("session is outside its scheduled window")
	ErrDisclaimerPending = errors.New("disclaimer has not been accepted")
	ErrCaptureNotLive    = errors.New("no live capture stream")
	ErrParticipantActive = errors.New("participant is already joined on another agent")
)

var remediationHints = map[ErrorKind]string{
	KindPermissionDenied: "Allow camera and microphone access for this site in your browser or system settings, then retry.",
	KindNoDevice:         "No camera or microphone was found. Connect a device and retry.",
	KindDeviceBusy:       "Your camera or microphone is in use by another application. Close it and retry.",
	KindUnsupported:      "This device or browser cannot capture media with the required settings. Try another browser or device.",
}

// CaptureError is a fatal, non-retryable capture-time failure.
type CaptureError struct {
	Kind  ErrorKind
	Hint  string
	Cause error
}

// NewCaptureError builds a capture error carrying the standard remediation hint for kind.
func NewCaptureError(kind ErrorKind, cause error) *CaptureError {
	return &CaptureError{Kind: kind, Hint: remediationHints[kind], Cause: cause}
}

func (e *CaptureError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *CaptureError) Unwrap() error { return e.Cause }

// ConnectError is a retryable connect-time failure of one provider attempt.
type ConnectError struct {
	Kind     ErrorKind
	Provider ProviderName
	Cause    error
}

func (e *ConnectError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s via %s: %v", e.Kind, e.Provider, e.Cause)
	}
	return fmt.Sprintf("%s via %s", e.Kind, e.Provider)
}

func (e *ConnectError) Unwrap() error { return e.Cause }

// LadderExhaustedError is surfaced once every candidate provider has failed.
type LadderExhaustedError struct {
	Tried []ProviderName
	Last  error
}

func (e *LadderExhaustedError) Error() string {
	names := make([]string, len(e.Tried))
	for i, p := range e.Tried {
		names[i] = string(p)
	}
	return fmt.Sprintf("all transport providers failed (tried %s): %v", strings.Join(names, ", "), e.Last)
}

func (e *LadderExhaustedError) Unwrap() error { return e.Last }

// KindOf returns the taxonomy kind of err. Unclassified errors count as transport failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var captureErr *CaptureError
	if errors.As(err, &captureErr) {
		return captureErr.Kind
	}
	var connectErr *ConnectError
	if errors.As(err, &connectErr) {
		return connectErr.Kind
	}
	if errors.Is(err, ErrSessionEnded) {
		return KindSessionTerminated
	}
	return KindNetworkTransport
}

// IsFatal reports whether err is a capture failure no automatic retry can fix.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindPermissionDenied, KindNoDevice, KindDeviceBusy, KindUnsupported:
		return true
	}
	return false
}

// IsRetryable reports whether err should advance the fallback ladder.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetworkTransport, KindProviderHandshake, KindTokenAcquisition:
		return true
	}
	return false
}

// Hint returns the remediation hint attached to a fatal error, if any.
func Hint(err error) string {
	var captureErr *CaptureError
	if errors.As(err, &captureErr) {
		return captureErr.Hint
	}
	return ""
}
