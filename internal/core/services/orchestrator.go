package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"

	"go.uber.org/zap"
)

type OrchestratorConfig struct {
	SessionID domain.SessionID
	Identity  domain.Identity
	RoomID    string

	// Candidates is the fallback ladder in order. The peer-to-peer transport belongs first.
	Candidates []domain.ProviderName
	// MaxRetries bounds a ladder walk to MaxRetries+1 attempts.
	MaxRetries        int
	ConnectTimeout    time.Duration
	MediaTimeout      time.Duration
	DisconnectTimeout time.Duration
	// AutoReconnect reacts to a lost transport or a persistently failed tier.
	AutoReconnect bool
}

type OrchestratorDeps struct {
	Capture    *CaptureManager
	Monitor    *QualityMonitor
	Transports []ports.Transport
	Tokens     ports.TokenIssuer
	Signals    ports.DeviceSignals
	Sink       ports.EventSink
	Clock      ports.Clock
	Logger     *zap.SugaredLogger
}

// SessionSnapshot is a consistent read of the orchestrator for callers and APIs.
type SessionSnapshot struct {
	SessionID domain.SessionID         `json:"session_id"`
	State     domain.SessionState      `json:"state"`
	Provider  domain.ProviderName      `json:"provider,omitempty"`
	Attempts  int                      `json:"attempts"`
	Tried     []domain.ProviderName    `json:"tried,omitempty"`
	Media     domain.MediaSessionState `json:"media"`
	Quality   domain.QualityTier       `json:"quality,omitempty"`
	LastError string                   `json:"last_error,omitempty"`
}

// Orchestrator owns one session: one capture stream, one active transport and the
// state machine that moves between them. All transitions run on a single loop goroutine.
type Orchestrator struct {
	config     OrchestratorConfig
	capture    *CaptureManager
	monitor    *QualityMonitor
	transports map[domain.ProviderName]ports.Transport
	tokens     ports.TokenIssuer
	signals    ports.DeviceSignals
	sink       ports.EventSink
	clock      ports.Clock
	logger     *zap.SugaredLogger

	requests chan request
	done     chan struct{}
	baseCtx  context.Context
	stop     context.CancelFunc

	mu       sync.RWMutex
	state    domain.SessionState
	provider domain.ProviderName
	attempts int
	tried    []domain.ProviderName
	lastErr  error
}

// NewOrchestrator validates the ladder against the transports and starts the event loop.
func NewOrchestrator(config OrchestratorConfig, deps OrchestratorDeps) (*Orchestrator, error) {
	if deps.Capture == nil {
		return nil, fmt.Errorf("capture manager is required")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("token issuer is required")
	}
	if len(config.Candidates) == 0 {
		return nil, domain.ErrNoProviders
	}

	transports := make(map[domain.ProviderName]ports.Transport, len(deps.Transports))
	for _, t := range deps.Transports {
		transports[t.Name()] = t
	}
	for _, name := range config.Candidates {
		if _, ok := transports[name]; !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, name)
		}
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 15 * time.Second
	}
	if config.MediaTimeout <= 0 {
		config.MediaTimeout = 20 * time.Second
	}
	if config.DisconnectTimeout <= 0 {
		config.DisconnectTimeout = 5 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock
	}
	if deps.Sink == nil {
		deps.Sink = discardSink{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Monitor == nil {
		deps.Monitor = NewQualityMonitor(NewQualityService(), deps.Capture, DefaultQualityMonitorConfig(), deps.Clock, deps.Logger)
	}

	baseCtx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		config:     config,
		capture:    deps.Capture,
		monitor:    deps.Monitor,
		transports: transports,
		tokens:     deps.Tokens,
		signals:    deps.Signals,
		sink:       deps.Sink,
		clock:      deps.Clock,
		logger:     deps.Logger.With("session_id", config.SessionID, "identity", config.Identity),
		requests:   make(chan request),
		done:       make(chan struct{}),
		baseCtx:    baseCtx,
		stop:       stop,
		state:      domain.StateInitializing,
	}

	o.capture.OnChange(func(s domain.MediaSessionState) {
		o.emit(domain.MediaChange{State: s})
	})
	o.monitor.OnEvent(o.emit)

	go o.run()
	return o, nil
}

// Initialize acquires local media. It never starts a transport attempt, so a capture
// failure cannot reach connecting.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	return o.submit(ctx, request{kind: reqInitialize})
}

// ConnectWithProvider walks [preferred, ...fallbacks]. An empty preferred uses the
// configured ladder order.
func (o *Orchestrator) ConnectWithProvider(ctx context.Context, preferred domain.ProviderName) error {
	return o.submit(ctx, request{kind: reqConnect, provider: preferred})
}

// Reconnect retries the current provider and then the fallback ladder.
// Valid from connected or failed.
func (o *Orchestrator) Reconnect(ctx context.Context) error {
	return o.submit(ctx, request{kind: reqReconnect})
}

// Abort fails a session still initializing with a fatal cause surfaced to observers.
func (o *Orchestrator) Abort(ctx context.Context, cause error) error {
	return o.submit(ctx, request{kind: reqAbort, err: cause})
}

// EndSession stops monitoring, releases media and moves to ended. Repeated calls are no-ops.
func (o *Orchestrator) EndSession(ctx context.Context) error {
	err := o.submit(ctx, request{kind: reqEnd})
	if err == domain.ErrSessionEnded {
		return nil
	}
	return err
}

// Done is closed once the session has ended and every resource is released.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

func (o *Orchestrator) State() domain.SessionState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Provider returns the provider of the current or last connection.
func (o *Orchestrator) Provider() domain.ProviderName {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.provider
}

func (o *Orchestrator) SessionID() domain.SessionID {
	return o.config.SessionID
}

// Capture exposes mute and camera toggles of the owned stream.
func (o *Orchestrator) Capture() *CaptureManager {
	return o.capture
}

func (o *Orchestrator) Snapshot() SessionSnapshot {
	o.mu.RLock()
	snapshot := SessionSnapshot{
		SessionID: o.config.SessionID,
		State:     o.state,
		Provider:  o.provider,
		Attempts:  o.attempts,
		Tried:     append([]domain.ProviderName(nil), o.tried...),
	}
	if o.lastErr != nil {
		snapshot.LastError = o.lastErr.Error()
	}
	o.mu.RUnlock()

	snapshot.Media = o.capture.State()
	snapshot.Quality = o.monitor.Tier()
	return snapshot
}

func (o *Orchestrator) emit(detail domain.EventDetail) {
	o.sink.Emit(domain.NewEvent(o.config.SessionID, o.clock.Now(), detail))
}

// submit hands a request to the loop and waits for its reply.
func (o *Orchestrator) submit(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case o.requests <- req:
	case <-o.done:
		return domain.ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers an internal request without waiting for a reply.
func (o *Orchestrator) post(ctx context.Context, req request) bool {
	select {
	case o.requests <- req:
		return true
	case <-o.done:
	case <-ctx.Done():
	}
	return false
}

type discardSink struct{}

func (discardSink) Emit(domain.Event) {}
