package services

import (
	"context"
	"errors"
	"sync"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"

	"go.uber.org/zap"
)

// captureLevels is the adaptation ladder applied to the acquired constraints.
// Level 0 is the ceiling, the last entry is the hardware floor.
var captureLevels = []struct {
	scale  float64
	maxFPS int
}{
	{scale: 1.0},
	{scale: 0.75},
	{scale: 0.5, maxFPS: 15},
	{scale: 0.25, maxFPS: 10},
}

// CaptureManager owns the single local media stream of a session.
type CaptureManager struct {
	device         ports.CaptureDevice
	allowAudioOnly bool
	mirror         bool
	logger         *zap.SugaredLogger

	mu           sync.Mutex
	stream       ports.MediaStream
	base         domain.CaptureConstraints
	state        domain.MediaSessionState
	acquiring    bool
	closed       bool
	released     bool
	acquisitions int
	onChange     func(domain.MediaSessionState)
}

// NewCaptureManager creates a capture manager for one session.
func NewCaptureManager(device ports.CaptureDevice, allowAudioOnly bool, logger *zap.SugaredLogger) *CaptureManager {
	return &CaptureManager{
		device:         device,
		allowAudioOnly: allowAudioOnly,
		mirror:         true,
		logger:         logger,
	}
}

// OnChange registers the observer of MediaSessionState. It is called outside the lock.
func (m *CaptureManager) OnChange(fn func(domain.MediaSessionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

type captureRung struct {
	tier        domain.CaptureTier
	constraints domain.CaptureConstraints
}

// Acquire walks optimal, adaptive and minimal constraints until the device yields a stream.
// A stream that is already live is returned as is.
func (m *CaptureManager) Acquire(ctx context.Context, profile domain.DeviceProfile) (ports.MediaStream, error) {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return nil, domain.ErrSessionEnded
	case m.stream != nil:
		stream := m.stream
		m.mu.Unlock()
		return stream, nil
	case m.acquiring:
		m.mu.Unlock()
		return nil, domain.NewCaptureError(domain.KindDeviceBusy, errors.New("acquisition already in progress"))
	}
	m.acquiring = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.acquiring = false
		m.mu.Unlock()
	}()

	rungs := []captureRung{
		{domain.CaptureTierOptimal, GetCaptureConstraints(profile)},
		{domain.CaptureTierAdaptive, adaptiveConstraints(profile)},
		{domain.CaptureTierMinimal, minimalConstraints(profile)},
	}
	if m.allowAudioOnly {
		audioOnly := rungs[0].constraints
		audioOnly.AudioOnly = true
		rungs = append(rungs, captureRung{domain.CaptureTierAudioOnly, audioOnly})
	}

	var lastErr error
	for _, rung := range rungs {
		if rung.tier == domain.CaptureTierAudioOnly && !videoOnlyFailure(lastErr) {
			break
		}
		stream, err := m.device.Acquire(ctx, rung.constraints)
		if err == nil {
			return m.adopt(ctx, stream, rung, profile)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		lastErr = asCaptureError(err)
		m.logger.Warnw("capture acquisition failed",
			"tier", rung.tier,
			"kind", domain.KindOf(lastErr),
			"error", err,
		)
		if domain.KindOf(lastErr) == domain.KindPermissionDenied {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (m *CaptureManager) adopt(ctx context.Context, stream ports.MediaStream, rung captureRung, profile domain.DeviceProfile) (ports.MediaStream, error) {
	m.mu.Lock()
	if m.closed || ctx.Err() != nil {
		m.mu.Unlock()
		for _, track := range stream.Tracks() {
			track.Stop()
		}
		if m.closed {
			return nil, domain.ErrSessionEnded
		}
		return nil, ctx.Err()
	}

	m.stream = stream
	m.base = rung.constraints
	m.acquisitions++
	m.state.StreamID = stream.ID()
	m.state.Live = true
	m.state.AudioOnly = rung.constraints.AudioOnly
	m.state.Tier = rung.tier
	m.state.Level = 0
	m.state.Transform = displayTransform(profile, m.mirror)
	m.applyFlagsLocked()
	snapshot, notify := m.state, m.onChange
	m.mu.Unlock()

	m.logger.Infow("capture stream acquired",
		"stream_id", snapshot.StreamID,
		"tier", rung.tier,
		"device_class", profile.Class,
		"orientation", profile.Orientation,
	)
	if notify != nil {
		notify(snapshot)
	}
	return stream, nil
}

// applyFlagsLocked pushes the mute flags down to the tracks.
func (m *CaptureManager) applyFlagsLocked() {
	if m.stream == nil || m.released {
		return
	}
	for _, track := range m.stream.Tracks() {
		switch track.Kind() {
		case domain.TrackAudio:
			track.SetEnabled(!m.state.AudioMuted)
		case domain.TrackVideo:
			track.SetEnabled(!m.state.VideoOff)
		}
	}
}

func (m *CaptureManager) update(fn func()) domain.MediaSessionState {
	m.mu.Lock()
	before := m.state
	fn()
	m.applyFlagsLocked()
	snapshot, notify := m.state, m.onChange
	m.mu.Unlock()

	if notify != nil && snapshot != before {
		notify(snapshot)
	}
	return snapshot
}

// ToggleAudio flips the microphone mute flag.
func (m *CaptureManager) ToggleAudio() domain.MediaSessionState {
	return m.update(func() { m.state.AudioMuted = !m.state.AudioMuted })
}

// ToggleVideo flips the camera off flag.
func (m *CaptureManager) ToggleVideo() domain.MediaSessionState {
	return m.update(func() { m.state.VideoOff = !m.state.VideoOff })
}

// SetAudioMuted sets the microphone mute flag; repeating a value is a no-op.
func (m *CaptureManager) SetAudioMuted(muted bool) domain.MediaSessionState {
	return m.update(func() { m.state.AudioMuted = muted })
}

// SetVideoOff sets the camera off flag; repeating a value is a no-op.
func (m *CaptureManager) SetVideoOff(off bool) domain.MediaSessionState {
	return m.update(func() { m.state.VideoOff = off })
}

// ApplyOrientation swaps the display transform for a new profile. Capture is never reacquired.
func (m *CaptureManager) ApplyOrientation(profile domain.DeviceProfile) domain.MediaSessionState {
	return m.update(func() { m.state.Transform = displayTransform(profile, m.mirror) })
}

// Downgrade steps capture one level down. It refuses at the floor or without live video.
func (m *CaptureManager) Downgrade() (bool, int) {
	return m.step(1)
}

// Upgrade steps capture one level up. It refuses at the acquired constraints.
func (m *CaptureManager) Upgrade() (bool, int) {
	return m.step(-1)
}

func (m *CaptureManager) step(delta int) (bool, int) {
	m.mu.Lock()
	level := m.state.Level
	next := level + delta
	if m.stream == nil || m.released || m.state.AudioOnly || next < 0 || next >= len(captureLevels) {
		m.mu.Unlock()
		return false, level
	}

	constraints := levelConstraints(m.base, next)
	for _, track := range m.stream.Tracks() {
		if track.Kind() != domain.TrackVideo {
			continue
		}
		if err := track.ApplyConstraints(constraints); err != nil {
			m.mu.Unlock()
			m.logger.Warnw("capture constraints rejected", "level", next, "error", err)
			return false, level
		}
	}
	m.state.Level = next
	snapshot, notify := m.state, m.onChange
	m.mu.Unlock()

	if notify != nil {
		notify(snapshot)
	}
	return true, next
}

func levelConstraints(base domain.CaptureConstraints, level int) domain.CaptureConstraints {
	l := captureLevels[level]
	scale := func(v int) int {
		scaled := int(float64(v) * l.scale)
		if v > 0 && scaled < 1 {
			return 1
		}
		return scaled
	}
	c := base
	c.Width = domain.Range{Ideal: scale(base.Width.Ideal), Max: scale(base.Width.Max)}
	c.Height = domain.Range{Ideal: scale(base.Height.Ideal), Max: scale(base.Height.Max)}
	if l.maxFPS > 0 {
		if c.FrameRate.Ideal > l.maxFPS {
			c.FrameRate.Ideal = l.maxFPS
		}
		if c.FrameRate.Max > l.maxFPS {
			c.FrameRate.Max = l.maxFPS
		}
	}
	return c
}

// Release stops every track exactly once. It reports whether this call released the stream.
func (m *CaptureManager) Release() bool {
	m.mu.Lock()
	m.closed = true
	if m.stream == nil || m.released {
		m.mu.Unlock()
		return false
	}
	m.released = true
	tracks := m.stream.Tracks()
	m.state.Live = false
	snapshot, notify := m.state, m.onChange
	m.mu.Unlock()

	for _, track := range tracks {
		track.Stop()
	}
	m.logger.Infow("capture stream released", "stream_id", snapshot.StreamID)
	if notify != nil {
		notify(snapshot)
	}
	return true
}

// Stream returns the live stream, or nil.
func (m *CaptureManager) Stream() ports.MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return nil
	}
	return m.stream
}

// State returns a snapshot of MediaSessionState.
func (m *CaptureManager) State() domain.MediaSessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Acquisitions counts how many streams this manager has adopted.
func (m *CaptureManager) Acquisitions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquisitions
}

func asCaptureError(err error) error {
	var captureErr *domain.CaptureError
	if errors.As(err, &captureErr) {
		return err
	}
	return domain.NewCaptureError(domain.KindUnsupported, err)
}

// videoOnlyFailure reports whether falling back to audio-only could help.
func videoOnlyFailure(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindNoDevice, domain.KindDeviceBusy, domain.KindUnsupported:
		return true
	}
	return false
}
