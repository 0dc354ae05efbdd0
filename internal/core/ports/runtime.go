package ports

import (
	"context"
	"time"

	"duocall/internal/core/domain"
)

// EventSink receives every lifecycle, quality and telemetry event.
// Emit must not block and must not call back into the orchestrator synchronously.
type EventSink interface {
	Emit(event domain.Event)
}

// DeviceSignals exposes live platform readings and change notifications.
type DeviceSignals interface {
	Current() domain.PlatformSignals
	Subscribe(fn func(domain.PlatformSignals)) (unsubscribe func())
}

// PermissionCache remembers recent capture consent. It is a UX trust window,
// never an authorization decision.
type PermissionCache interface {
	GrantedRecently(ctx context.Context, identity domain.Identity) (bool, error)
	RecordGrant(ctx context.Context, identity domain.Identity) error
}

// ConsentPrompter asks the participant for capture consent.
type ConsentPrompter interface {
	RequestConsent(ctx context.Context, identity domain.Identity) (bool, error)
}

// SessionRepository reads externally owned session records.
type SessionRepository interface {
	GetByID(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error)
}

// Clock is injected wherever TTLs or timestamps matter.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}
