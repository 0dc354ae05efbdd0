package ports

import (
	"context"

	"duocall/internal/core/domain"
)

// MediaTrack is one live local capture track.
type MediaTrack interface {
	ID() string
	Kind() domain.TrackKind
	Enabled() bool
	// SetEnabled gates the track without releasing the hardware.
	SetEnabled(enabled bool)
	// ApplyConstraints reconfigures a live video track in place.
	ApplyConstraints(c domain.CaptureConstraints) error
	Stop()
}

// MediaStream groups the tracks returned by one acquisition.
type MediaStream interface {
	ID() domain.StreamID
	Tracks() []MediaTrack
}

// CaptureDevice is the local capture boundary. Failures must be *domain.CaptureError.
type CaptureDevice interface {
	Acquire(ctx context.Context, constraints domain.CaptureConstraints) (MediaStream, error)
}
