package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"

	"go.uber.org/zap"
)

const (
	StepStart      = "start"
	StepCapability = "capability"
	StepPermission = "permission"
	StepPrewarm    = "prewarm"
	StepMedia      = "media"
	StepReady      = "ready"
	StepConnect    = "connect"
	StepConnected  = "connected"
)

type InitializerConfig struct {
	PreferredProvider domain.ProviderName
	PermissionTimeout time.Duration
	PrewarmTimeout    time.Duration
}

// FastInitializer overlaps capability probing, consent negotiation and provider
// pre-connection, then drives the orchestrator through media acquisition and the
// join gate into connect.
type FastInitializer struct {
	orchestrator *Orchestrator
	gate         *JoinGate
	permissions  ports.PermissionCache
	prompter     ports.ConsentPrompter
	prewarmers   []ports.Prewarmer
	signals      ports.DeviceSignals
	sink         ports.EventSink
	clock        ports.Clock
	config       InitializerConfig
	logger       *zap.SugaredLogger
}

type InitializerDeps struct {
	Orchestrator *Orchestrator
	Gate         *JoinGate
	Permissions  ports.PermissionCache
	Prompter     ports.ConsentPrompter
	Transports   []ports.Transport
	Signals      ports.DeviceSignals
	Sink         ports.EventSink
	Clock        ports.Clock
	Logger       *zap.SugaredLogger
}

func NewFastInitializer(config InitializerConfig, deps InitializerDeps) *FastInitializer {
	if config.PermissionTimeout <= 0 {
		config.PermissionTimeout = 30 * time.Second
	}
	if config.PrewarmTimeout <= 0 {
		config.PrewarmTimeout = 5 * time.Second
	}
	if deps.Gate == nil {
		deps.Gate = NewJoinGate(0)
	}
	if deps.Sink == nil {
		deps.Sink = discardSink{}
	}
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}

	var prewarmers []ports.Prewarmer
	for _, t := range deps.Transports {
		if p, ok := t.(ports.Prewarmer); ok {
			prewarmers = append(prewarmers, p)
		}
	}

	return &FastInitializer{
		orchestrator: deps.Orchestrator,
		gate:         deps.Gate,
		permissions:  deps.Permissions,
		prompter:     deps.Prompter,
		prewarmers:   prewarmers,
		signals:      deps.Signals,
		sink:         deps.Sink,
		clock:        deps.Clock,
		config:       config,
		logger:       deps.Logger,
	}
}

// Gate returns the join gate the API drives.
func (f *FastInitializer) Gate() *JoinGate {
	return f.gate
}

// Run takes the session from initializing to connected. Only consent and capture
// failures are fatal; pre-connection is best effort.
func (f *FastInitializer) Run(ctx context.Context, req domain.JoinRequest) error {
	progress := newProgressTracker(req.SessionID, f.sink, f.clock)
	progress.advance(StepStart, 0, "preparing session")

	var (
		wg            sync.WaitGroup
		permissionErr error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		profile := f.probe()
		progress.complete(StepCapability, "detected "+string(profile.Class)+" in "+string(profile.Orientation))
	}()
	go func() {
		defer wg.Done()
		permissionErr = f.negotiatePermission(ctx, req.ParticipantName)
		if permissionErr == nil {
			progress.complete(StepPermission, "camera and microphone allowed")
		}
	}()
	go func() {
		defer wg.Done()
		f.prewarm(ctx, req)
		progress.complete(StepPrewarm, "providers ready")
	}()
	wg.Wait()

	if permissionErr != nil {
		if errors.Is(permissionErr, context.Canceled) || errors.Is(permissionErr, context.DeadlineExceeded) {
			return permissionErr
		}
		if err := f.orchestrator.Abort(ctx, permissionErr); err != nil {
			f.logger.Warnw("could not fail session after refused consent", "error", err)
		}
		return permissionErr
	}

	progress.advance(StepMedia, 70, "starting camera")
	if err := f.orchestrator.Initialize(ctx); err != nil {
		return err
	}

	progress.advance(StepReady, 80, "waiting for disclaimer")
	if err := f.gate.Wait(ctx, f.orchestrator.Done()); err != nil {
		return err
	}

	progress.advance(StepConnect, 90, "connecting")
	if err := f.orchestrator.ConnectWithProvider(ctx, f.config.PreferredProvider); err != nil {
		return err
	}
	progress.advance(StepConnected, 100, "connected via "+string(f.orchestrator.Provider()))
	return nil
}

func (f *FastInitializer) probe() domain.DeviceProfile {
	var signals domain.PlatformSignals
	if f.signals != nil {
		signals = f.signals.Current()
	}
	profile := GetDeviceProfile(signals)
	f.logger.Debugw("device profile detected",
		"class", profile.Class,
		"orientation", profile.Orientation,
		"constraints", GetCaptureConstraints(profile),
	)
	return profile
}

// negotiatePermission skips the prompt inside the trust window of a recent grant.
// The device still decides on the actual capture.
func (f *FastInitializer) negotiatePermission(ctx context.Context, identity domain.Identity) error {
	ctx, cancel := context.WithTimeout(ctx, f.config.PermissionTimeout)
	defer cancel()

	if f.permissions != nil {
		granted, err := f.permissions.GrantedRecently(ctx, identity)
		if err != nil {
			f.logger.Warnw("permission cache unavailable", "identity", identity, "error", err)
		} else if granted {
			return nil
		}
	}
	if f.prompter == nil {
		return nil
	}

	granted, err := f.prompter.RequestConsent(ctx, identity)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.NewCaptureError(domain.KindPermissionDenied, err)
	}
	if !granted {
		return domain.NewCaptureError(domain.KindPermissionDenied, errors.New("consent refused"))
	}

	if f.permissions != nil {
		if err := f.permissions.RecordGrant(ctx, identity); err != nil {
			f.logger.Warnw("failed to remember permission grant", "identity", identity, "error", err)
		}
	}
	return nil
}

func (f *FastInitializer) prewarm(ctx context.Context, req domain.JoinRequest) {
	ctx, cancel := context.WithTimeout(ctx, f.config.PrewarmTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range f.prewarmers {
		wg.Add(1)
		go func(p ports.Prewarmer) {
			defer wg.Done()
			if err := p.Prewarm(ctx, req); err != nil {
				f.logger.Debugw("provider prewarm failed", "error", err)
			}
		}(p)
	}
	wg.Wait()
}

// progressTracker emits init.progress events whose percent never decreases.
type progressTracker struct {
	sessionID domain.SessionID
	sink      ports.EventSink
	clock     ports.Clock

	mu      sync.Mutex
	percent int
}

// concurrent steps each add this much, in whatever order they finish
const concurrentStepWeight = 20

func newProgressTracker(sessionID domain.SessionID, sink ports.EventSink, clock ports.Clock) *progressTracker {
	return &progressTracker{sessionID: sessionID, sink: sink, clock: clock}
}

func (p *progressTracker) complete(step, message string) {
	p.mu.Lock()
	p.percent += concurrentStepWeight
	percent := p.percent
	p.emitLocked(step, percent, message)
	p.mu.Unlock()
}

func (p *progressTracker) advance(step string, percent int, message string) {
	p.mu.Lock()
	if percent < p.percent {
		percent = p.percent
	}
	p.percent = percent
	p.emitLocked(step, percent, message)
	p.mu.Unlock()
}

func (p *progressTracker) emitLocked(step string, percent int, message string) {
	p.sink.Emit(domain.NewEvent(p.sessionID, p.clock.Now(), domain.Progress{
		Step:    step,
		Percent: percent,
		Message: message,
	}))
}
