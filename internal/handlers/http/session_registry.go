package http

import (
	"context"
	"errors"
	"sync"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/services"
	"duocall/pkg/distributed"

	"go.uber.org/zap"
)

var ErrCapacity = errors.New("agent session capacity reached")

// Claimer reserves a participant across agents. The returned func gives the
// claim back.
type Claimer interface {
	Claim(ctx context.Context, key string) (func(context.Context) error, error)
}

// Runtime is one joined session hosted by this agent.
type Runtime struct {
	Request      domain.JoinRequest
	Orchestrator *services.Orchestrator
	Initializer  *services.FastInitializer
	Consent      *ConsentPrompt
	Device       *DeviceBoard

	cancel  context.CancelFunc
	done    chan struct{}
	release func(context.Context) error

	mu     sync.Mutex
	runErr error
}

// Err reports why initialization stopped early, if it did.
func (r *Runtime) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}

// Ready is closed once the initializer has returned.
func (r *Runtime) Ready() <-chan struct{} {
	return r.done
}

// JoinOptions are the caller's choices for one join. Consent and Device are
// created by the registry and must be handed to the initializer.
type JoinOptions struct {
	Preferred domain.ProviderName
	Consent   *ConsentPrompt
	Device    *DeviceBoard
}

// RuntimeFactory wires an orchestrator and initializer for one participant.
type RuntimeFactory func(req domain.JoinRequest, opts JoinOptions) (*services.Orchestrator, *services.FastInitializer, error)

type runtimeKey struct {
	session  domain.SessionID
	identity domain.Identity
}

// Registry tracks the sessions this agent hosts. A session leaves the
// registry once its orchestrator has ended.
type Registry struct {
	factory RuntimeFactory
	limit   int
	claims  Claimer
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	runtimes map[runtimeKey]*Runtime
}

func NewRegistry(factory RuntimeFactory, limit int, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		factory:  factory,
		limit:    limit,
		logger:   logger.Named("sessions"),
		runtimes: make(map[runtimeKey]*Runtime),
	}
}

// UseClaims makes every join claim its participant through c first, so two
// agents behind one balancer never host the same participant.
func (r *Registry) UseClaims(c Claimer) {
	r.claims = c
}

func claimKey(key runtimeKey) string {
	return "participant:" + string(key.session) + ":" + string(key.identity)
}

// Join starts initialization for the participant. Joining again while the
// session is live returns the existing runtime.
func (r *Registry) Join(ctx context.Context, req domain.JoinRequest, opts JoinOptions) (*Runtime, bool, error) {
	key := runtimeKey{req.SessionID, req.ParticipantName}

	if existing, ok := r.Get(req.SessionID, req.ParticipantName); ok {
		return existing, false, nil
	}

	var release func(context.Context) error
	if r.claims != nil {
		var err error
		release, err = r.claims.Claim(ctx, claimKey(key))
		if err != nil {
			if errors.Is(err, distributed.ErrLeaseHeld) {
				return nil, false, domain.ErrParticipantActive
			}
			return nil, false, err
		}
	}
	giveBack := func() {
		if release != nil {
			if err := release(ctx); err != nil {
				r.logger.Warnw("failed to release participant claim", "session_id", key.session, "error", err)
			}
		}
	}

	r.mu.Lock()
	if existing, ok := r.runtimes[key]; ok {
		r.mu.Unlock()
		giveBack()
		return existing, false, nil
	}
	if r.limit > 0 && len(r.runtimes) >= r.limit {
		r.mu.Unlock()
		giveBack()
		return nil, false, ErrCapacity
	}

	if opts.Consent == nil {
		opts.Consent = NewConsentPrompt()
	}
	if opts.Device == nil {
		opts.Device = NewDeviceBoard(domain.PlatformSignals{})
	}
	orchestrator, initializer, err := r.factory(req, opts)
	if err != nil {
		r.mu.Unlock()
		giveBack()
		return nil, false, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		Request:      req,
		Orchestrator: orchestrator,
		Initializer:  initializer,
		Consent:      opts.Consent,
		Device:       opts.Device,
		cancel:       cancel,
		done:         make(chan struct{}),
		release:      release,
	}
	r.runtimes[key] = rt
	r.mu.Unlock()

	go r.run(runCtx, key, rt)
	return rt, true, nil
}

func (r *Registry) run(ctx context.Context, key runtimeKey, rt *Runtime) {
	err := rt.Initializer.Run(ctx, rt.Request)
	rt.mu.Lock()
	rt.runErr = err
	rt.mu.Unlock()
	close(rt.done)

	if err != nil && !errors.Is(err, domain.ErrSessionEnded) {
		r.logger.Warnw("session initialization stopped",
			"session_id", key.session,
			"identity", key.identity,
			"error", err,
		)
	}

	<-rt.Orchestrator.Done()
	r.mu.Lock()
	if r.runtimes[key] == rt {
		delete(r.runtimes, key)
	}
	r.mu.Unlock()

	if rt.release != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.release(releaseCtx); err != nil {
			r.logger.Warnw("failed to release participant claim", "session_id", key.session, "error", err)
		}
	}
}

func (r *Registry) Get(sessionID domain.SessionID, identity domain.Identity) (*Runtime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.runtimes[runtimeKey{sessionID, identity}]
	return rt, ok
}

// Leave ends the session. Initialization still in progress is cancelled.
func (r *Registry) Leave(ctx context.Context, sessionID domain.SessionID, identity domain.Identity) (*Runtime, error) {
	rt, ok := r.Get(sessionID, identity)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	rt.cancel()
	if err := rt.Orchestrator.EndSession(ctx); err != nil {
		return rt, err
	}
	return rt, nil
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runtimes)
}

// Shutdown ends every hosted session.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	runtimes := make([]*Runtime, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		runtimes = append(runtimes, rt)
	}
	r.mu.Unlock()

	for _, rt := range runtimes {
		rt.cancel()
		if err := rt.Orchestrator.EndSession(ctx); err != nil {
			r.logger.Warnw("session did not end cleanly", "session_id", rt.Request.SessionID, "error", err)
		}
	}
}
