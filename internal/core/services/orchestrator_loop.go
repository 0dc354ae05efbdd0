package services

import (
	"context"
	"errors"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
	"duocall/pkg/tracing"

	"go.opentelemetry.io/otel/trace"
)

type requestKind int

const (
	reqInitialize requestKind = iota
	reqConnect
	reqReconnect
	reqAbort
	reqEnd
	reqOutcome
	reqLost
	reqFailover
	reqOrientation
)

type request struct {
	kind     requestKind
	provider domain.ProviderName
	reply    chan error
	gen      uint64
	outcome  attemptOutcome
	signals  domain.PlatformSignals
	err      error
}

type attemptKind int

const (
	attemptMedia attemptKind = iota
	attemptConnect
)

type attemptOutcome struct {
	gen       uint64
	kind      attemptKind
	provider  domain.ProviderName
	transport ports.Transport
	err       error
}

// inflight is the single media or connect attempt the loop is waiting on.
type inflight struct {
	kind   attemptKind
	cancel context.CancelFunc
	waiter chan error
	// connectAfter continues into the provider ladder once media arrives (reconnect from failed).
	connectAfter bool
}

// loopState is owned by the loop goroutine.
type loopState struct {
	gen         uint64
	inflight    *inflight
	deferred    []request
	mediaReady  bool
	ladder      []domain.ProviderName
	next        int
	attempts    int
	tried       []domain.ProviderName
	current     domain.ProviderName
	active      ports.Transport
	lastErr     error
	unsubscribe func()
}

func (o *Orchestrator) run() {
	s := &loopState{}
	defer close(o.done)
	defer o.stop()

	for req := range o.requests {
		if o.handle(s, req) {
			return
		}
	}
}

// handle processes one request and reports whether the loop must exit.
func (o *Orchestrator) handle(s *loopState, req request) bool {
	switch req.kind {
	case reqEnd:
		o.endSession(s, req)
		return true
	case reqOutcome:
		o.settle(s, req.outcome)
	case reqLost:
		o.onLost(s, req)
	case reqFailover:
		o.onFailover(s, req)
	case reqOrientation:
		o.onOrientation(req.signals)
	default:
		if s.inflight != nil {
			s.deferred = append(s.deferred, req)
			return false
		}
		o.dispatch(s, req)
	}
	o.drain(s)
	return false
}

func (o *Orchestrator) dispatch(s *loopState, req request) {
	switch req.kind {
	case reqInitialize:
		o.initialize(s, req.reply)
	case reqConnect:
		o.connect(s, req.provider, req.reply)
	case reqReconnect:
		o.reconnect(s, req.reply, "requested")
	case reqAbort:
		o.abort(s, req.reply, req.err)
	}
}

// drain replays queued requests once nothing is in flight, validated against the current state.
func (o *Orchestrator) drain(s *loopState) {
	for s.inflight == nil && len(s.deferred) > 0 {
		req := s.deferred[0]
		s.deferred = s.deferred[1:]
		o.dispatch(s, req)
	}
}

func (o *Orchestrator) initialize(s *loopState, reply chan error) {
	if o.State() != domain.StateInitializing {
		respond(reply, domain.ErrInvalidTransition)
		return
	}
	if s.mediaReady {
		respond(reply, nil)
		return
	}
	o.startMedia(s, reply, false)
}

// abort fails a session that never got past initializing, e.g. on refused consent.
func (o *Orchestrator) abort(s *loopState, reply chan error, err error) {
	if o.State() != domain.StateInitializing {
		respond(reply, domain.ErrInvalidTransition)
		return
	}
	o.fail(s, nil, err)
	respond(reply, nil)
}

func (o *Orchestrator) connect(s *loopState, preferred domain.ProviderName, reply chan error) {
	if o.State() != domain.StateInitializing {
		respond(reply, domain.ErrInvalidTransition)
		return
	}
	if !s.mediaReady {
		respond(reply, domain.ErrMediaNotReady)
		return
	}
	if preferred != "" {
		if _, ok := o.transports[preferred]; !ok {
			respond(reply, domain.ErrUnknownProvider)
			return
		}
	}

	o.resetLadder(s, preferred)
	o.transition(domain.StateConnecting)
	o.nextAttempt(s, reply)
}

func (o *Orchestrator) reconnect(s *loopState, reply chan error, reason string) {
	state := o.State()
	if state != domain.StateConnected && state != domain.StateFailed {
		respond(reply, domain.ErrInvalidTransition)
		return
	}

	o.logger.Infow("reconnecting", "provider", s.current, "reason", reason)
	o.teardownConnection(s)
	o.transition(domain.StateReconnecting)
	o.resetLadder(s, s.current)

	if !s.mediaReady {
		o.startMedia(s, reply, true)
		return
	}
	o.transition(domain.StateConnecting)
	o.nextAttempt(s, reply)
}

// resetLadder orders the candidates with first at the head, keeping configured order after it.
func (o *Orchestrator) resetLadder(s *loopState, first domain.ProviderName) {
	ladder := make([]domain.ProviderName, 0, len(o.config.Candidates)+1)
	if first != "" {
		ladder = append(ladder, first)
	}
	for _, name := range o.config.Candidates {
		if name != first {
			ladder = append(ladder, name)
		}
	}
	s.ladder = ladder
	s.next = 0
	s.attempts = 0
	s.tried = nil
	s.lastErr = nil
	o.recordAttempts(s)
}

func (o *Orchestrator) startMedia(s *loopState, reply chan error, connectAfter bool) {
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithTimeout(o.baseCtx, o.config.MediaTimeout)
	s.inflight = &inflight{kind: attemptMedia, cancel: cancel, waiter: reply, connectAfter: connectAfter}

	profile := o.currentProfile()
	go func() {
		ctx, span := tracing.StartSpan(ctx, "capture.acquire",
			trace.WithAttributes(
				tracing.SessionIDKey.String(string(o.config.SessionID)),
				tracing.DeviceClassKey.String(string(profile.Class)),
			),
		)
		_, err := o.capture.Acquire(ctx, profile)
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
		o.post(context.Background(), request{
			kind:    reqOutcome,
			outcome: attemptOutcome{gen: gen, kind: attemptMedia, err: err},
		})
	}()
}

// nextAttempt starts the next provider of the ladder, or fails the session when none is left.
func (o *Orchestrator) nextAttempt(s *loopState, reply chan error) {
	if s.next >= len(s.ladder) || s.attempts >= o.config.MaxRetries+1 {
		o.exhaust(s, reply)
		return
	}

	provider := s.ladder[s.next]
	s.next++
	s.attempts++
	if len(s.tried) > 0 {
		previous := s.tried[len(s.tried)-1]
		if previous != provider {
			o.logger.Infow("switching provider", "from", previous, "to", provider, "attempt", s.attempts)
			o.emit(domain.ProviderSwitch{
				From:    previous,
				To:      provider,
				Attempt: s.attempts,
				Reason:  string(domain.KindOf(s.lastErr)),
			})
		}
	}
	s.tried = append(s.tried, provider)
	o.recordAttempts(s)

	s.gen++
	gen := s.gen
	transport := o.transports[provider]
	ctx, cancel := context.WithTimeout(o.baseCtx, o.config.ConnectTimeout)
	s.inflight = &inflight{kind: attemptConnect, cancel: cancel, waiter: reply}

	stream := o.capture.Stream()
	attempt := s.attempts
	go func() {
		err := o.attemptConnect(ctx, transport, stream, gen, attempt)
		delivered := o.post(context.Background(), request{
			kind: reqOutcome,
			outcome: attemptOutcome{
				gen:       gen,
				kind:      attemptConnect,
				provider:  provider,
				transport: transport,
				err:       err,
			},
		})
		if !delivered && err == nil {
			o.disconnect(transport)
		}
	}()
}

// attemptConnect runs off the loop. It fetches a fresh token and dials one provider.
func (o *Orchestrator) attemptConnect(ctx context.Context, transport ports.Transport, stream ports.MediaStream, gen uint64, attempt int) error {
	provider := transport.Name()
	ctx, span := tracing.StartSpan(ctx, "transport.connect",
		trace.WithAttributes(
			tracing.SessionIDKey.String(string(o.config.SessionID)),
			tracing.ProviderKey.String(string(provider)),
			tracing.AttemptKey.Int(attempt),
		),
	)
	defer span.End()
	start := o.clock.Now()
	defer func() { tracing.RecordDuration(ctx, "connect", o.clock.Now().Sub(start)) }()

	if stream == nil {
		return domain.ErrCaptureNotLive
	}

	token, err := o.tokens.Issue(ctx, o.config.SessionID, o.config.Identity)
	if err != nil {
		err = &domain.ConnectError{Kind: domain.KindTokenAcquisition, Provider: provider, Cause: err}
		tracing.RecordError(ctx, err)
		return err
	}

	req := domain.JoinRequest{
		SessionID:       o.config.SessionID,
		RoomID:          o.config.RoomID,
		ParticipantName: o.config.Identity,
		Token:           token,
	}
	onLost := func(err error) {
		// transports may report loss from inside Disconnect, so never block here
		go o.post(o.baseCtx, request{kind: reqLost, gen: gen, provider: provider, err: err})
	}

	if err := transport.Connect(ctx, req, stream, onLost); err != nil {
		var connectErr *domain.ConnectError
		if !errors.As(err, &connectErr) {
			err = &domain.ConnectError{Kind: domain.KindOf(err), Provider: provider, Cause: err}
		}
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

func (o *Orchestrator) settle(s *loopState, outcome attemptOutcome) {
	if s.inflight == nil || outcome.gen != s.gen {
		o.discard(outcome)
		return
	}
	current := s.inflight
	s.inflight = nil
	current.cancel()

	switch outcome.kind {
	case attemptMedia:
		o.settleMedia(s, current, outcome.err)
	case attemptConnect:
		o.settleConnect(s, current, outcome)
	}
}

// discard drops a result that lost the race against a newer attempt or EndSession.
func (o *Orchestrator) discard(outcome attemptOutcome) {
	o.logger.Debugw("discarding stale attempt result", "generation", outcome.gen, "provider", outcome.provider)
	if outcome.kind == attemptConnect && outcome.err == nil && outcome.transport != nil {
		o.disconnect(outcome.transport)
	}
}

func (o *Orchestrator) settleMedia(s *loopState, current *inflight, err error) {
	if err != nil {
		o.fail(s, current.waiter, err)
		return
	}

	s.mediaReady = true
	if o.signals != nil && s.unsubscribe == nil {
		s.unsubscribe = o.signals.Subscribe(func(signals domain.PlatformSignals) {
			go o.post(o.baseCtx, request{kind: reqOrientation, signals: signals})
		})
	}

	if !current.connectAfter {
		respond(current.waiter, nil)
		return
	}
	o.transition(domain.StateConnecting)
	o.nextAttempt(s, current.waiter)
}

func (o *Orchestrator) settleConnect(s *loopState, current *inflight, outcome attemptOutcome) {
	if outcome.err == nil {
		s.current = outcome.provider
		s.active = outcome.transport
		s.lastErr = nil
		o.mu.Lock()
		o.provider = outcome.provider
		o.lastErr = nil
		o.mu.Unlock()

		o.logger.Infow("connected", "provider", outcome.provider, "attempts", s.attempts)
		o.transition(domain.StateConnected)
		o.startMonitor(s, outcome.transport)
		respond(current.waiter, nil)
		return
	}

	s.lastErr = outcome.err
	o.logger.Warnw("provider attempt failed",
		"provider", outcome.provider,
		"attempt", s.attempts,
		"kind", domain.KindOf(outcome.err),
		"error", outcome.err,
	)
	o.emit(domain.ProviderFailure{
		Provider: outcome.provider,
		Kind:     domain.KindOf(outcome.err),
		Attempt:  s.attempts,
		Message:  outcome.err.Error(),
	})

	if !domain.IsRetryable(outcome.err) {
		o.fail(s, current.waiter, outcome.err)
		return
	}
	o.nextAttempt(s, current.waiter)
}

func (o *Orchestrator) exhaust(s *loopState, reply chan error) {
	err := &domain.LadderExhaustedError{
		Tried: append([]domain.ProviderName(nil), s.tried...),
		Last:  s.lastErr,
	}
	if s.lastErr == nil {
		err.Last = domain.ErrNoProviders
	}
	o.fail(s, reply, err)
}

// fail moves to failed, surfaces err once and answers the waiting caller.
func (o *Orchestrator) fail(s *loopState, reply chan error, err error) {
	o.mu.Lock()
	o.lastErr = err
	o.mu.Unlock()

	o.logger.Errorw("session failed", "kind", domain.KindOf(err), "error", err)
	o.emit(domain.FatalError{
		Kind:    domain.KindOf(err),
		Hint:    domain.Hint(err),
		Message: err.Error(),
	})
	o.transition(domain.StateFailed)
	respond(reply, err)
}

func (o *Orchestrator) startMonitor(s *loopState, transport ports.Transport) {
	gen := s.gen
	o.monitor.OnFailover(func(ctx context.Context) {
		o.post(ctx, request{kind: reqFailover, gen: gen})
	})
	o.monitor.Start(o.baseCtx, transport)
}

func (o *Orchestrator) onLost(s *loopState, req request) {
	if req.gen != s.gen || o.State() != domain.StateConnected {
		return
	}
	o.logger.Warnw("transport lost", "provider", req.provider, "error", req.err)
	o.emit(domain.ProviderFailure{
		Provider: req.provider,
		Kind:     domain.KindOf(req.err),
		Attempt:  s.attempts,
		Message:  errorMessage(req.err),
	})
	if !o.config.AutoReconnect {
		o.teardownConnection(s)
		o.fail(s, nil, &domain.ConnectError{Kind: domain.KindOf(req.err), Provider: req.provider, Cause: req.err})
		return
	}
	o.reconnect(s, nil, "transport lost")
}

func (o *Orchestrator) onFailover(s *loopState, req request) {
	if req.gen != s.gen || o.State() != domain.StateConnected {
		return
	}
	if !o.config.AutoReconnect {
		return
	}
	o.reconnect(s, nil, string(domain.QualityFailed))
}

func (o *Orchestrator) onOrientation(signals domain.PlatformSignals) {
	if o.State().Terminal() {
		return
	}
	profile := GetDeviceProfile(signals)
	before := o.capture.State().Transform
	state := o.capture.ApplyOrientation(profile)
	if state.Transform == before {
		return
	}
	o.emit(domain.OrientationChange{Profile: profile, Transform: state.Transform})
}

func (o *Orchestrator) endSession(s *loopState, req request) {
	s.gen++
	if s.inflight != nil {
		s.inflight.cancel()
		respond(s.inflight.waiter, domain.ErrSessionEnded)
		s.inflight = nil
	}

	o.teardownConnection(s)
	o.capture.Release()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}

	if o.State() != domain.StateEnded {
		o.transition(domain.StateEnded)
		o.emit(domain.Termination{Reason: domain.KindSessionTerminated})
	}

	for _, deferred := range s.deferred {
		respond(deferred.reply, domain.ErrSessionEnded)
	}
	s.deferred = nil

	o.logger.Infow("session ended", "provider", s.current)
	respond(req.reply, nil)
}

// teardownConnection stops sampling and closes the active transport, if any.
func (o *Orchestrator) teardownConnection(s *loopState) {
	o.monitor.Stop()
	if s.active != nil {
		o.disconnect(s.active)
		s.active = nil
	}
}

func (o *Orchestrator) disconnect(transport ports.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), o.config.DisconnectTimeout)
	defer cancel()
	if err := transport.Disconnect(ctx); err != nil {
		o.logger.Warnw("error disconnecting transport", "provider", transport.Name(), "error", err)
	}
}

func (o *Orchestrator) transition(to domain.SessionState) {
	o.mu.Lock()
	from := o.state
	if !domain.CanTransition(from, to) {
		o.mu.Unlock()
		o.logger.Errorw("refusing invalid transition", "from", from, "to", to)
		return
	}
	o.state = to
	o.mu.Unlock()

	o.logger.Infow("session state changed", "from", from, "to", to)
	o.emit(domain.StateChange{From: from, To: to})
}

func (o *Orchestrator) recordAttempts(s *loopState) {
	o.mu.Lock()
	o.attempts = s.attempts
	o.tried = append(o.tried[:0:0], s.tried...)
	o.mu.Unlock()
}

func (o *Orchestrator) currentProfile() domain.DeviceProfile {
	if o.signals == nil {
		return GetDeviceProfile(domain.PlatformSignals{})
	}
	return GetDeviceProfile(o.signals.Current())
}

func respond(reply chan error, err error) {
	if reply == nil {
		return
	}
	select {
	case reply <- err:
	default:
	}
}

func errorMessage(err error) string {
	if err == nil {
		return "connection lost"
	}
	return err.Error()
}
