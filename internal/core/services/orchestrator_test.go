package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
	"duocall/tests/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	providerP2P     domain.ProviderName = "p2p"
	providerHostedA domain.ProviderName = "hosted-a"
	providerHostedB domain.ProviderName = "hosted-b"
)

var errHandshake = &domain.ConnectError{Kind: domain.KindProviderHandshake, Cause: errors.New("handshake rejected")}

type harness struct {
	o       *Orchestrator
	device  *testutils.FakeDevice
	p2p     *testutils.FakeTransport
	hostedA *testutils.FakeTransport
	hostedB *testutils.FakeTransport
	sink    *testutils.RecordingSink
	signals *testutils.FakeSignals
	monitor *QualityMonitor
}

type harnessSetup struct {
	config        OrchestratorConfig
	tokens        ports.TokenIssuer
	device        *testutils.FakeDevice
	monitorConfig QualityMonitorConfig
}

type harnessOption func(*harnessSetup)

func withTokens(tokens ports.TokenIssuer) harnessOption {
	return func(s *harnessSetup) { s.tokens = tokens }
}

func withConfig(fn func(*OrchestratorConfig)) harnessOption {
	return func(s *harnessSetup) { fn(&s.config) }
}

func withMonitorConfig(config QualityMonitorConfig) harnessOption {
	return func(s *harnessSetup) { s.monitorConfig = config }
}

func withDevice(device *testutils.FakeDevice) harnessOption {
	return func(s *harnessSetup) { s.device = device }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	setup := &harnessSetup{
		config: OrchestratorConfig{
			SessionID:      "session-1",
			Identity:       "alice",
			RoomID:         "room-1",
			Candidates:     []domain.ProviderName{providerP2P, providerHostedA, providerHostedB},
			MaxRetries:     2,
			ConnectTimeout: time.Second,
			MediaTimeout:   time.Second,
			AutoReconnect:  true,
		},
		tokens:        testutils.StaticTokenIssuer{},
		device:        &testutils.FakeDevice{},
		monitorConfig: QualityMonitorConfig{Interval: time.Hour},
	}
	for _, opt := range opts {
		opt(setup)
	}

	h := &harness{
		device:  setup.device,
		p2p:     testutils.NewFakeTransport(providerP2P, domain.ProviderKindP2P),
		hostedA: testutils.NewFakeTransport(providerHostedA, domain.ProviderKindHosted),
		hostedB: testutils.NewFakeTransport(providerHostedB, domain.ProviderKindHosted),
		sink:    &testutils.RecordingSink{},
		signals: testutils.NewFakeSignals(domain.PlatformSignals{
			UserAgent:       uaIPhone,
			ViewportWidth:   390,
			ViewportHeight:  844,
			OrientationType: "portrait-primary",
		}),
	}

	capture := NewCaptureManager(h.device, true, logger)
	h.monitor = NewQualityMonitor(NewQualityService(), capture, setup.monitorConfig, nil, logger)

	o, err := NewOrchestrator(setup.config, OrchestratorDeps{
		Capture:    capture,
		Monitor:    h.monitor,
		Transports: []ports.Transport{h.p2p, h.hostedA, h.hostedB},
		Tokens:     setup.tokens,
		Signals:    h.signals,
		Sink:       h.sink,
		Logger:     logger,
	})
	require.NoError(t, err)
	h.o = o
	t.Cleanup(func() {
		_ = o.EndSession(context.Background())
	})
	return h
}

func (h *harness) connect(t *testing.T, preferred domain.ProviderName) error {
	t.Helper()
	require.NoError(t, h.o.Initialize(context.Background()))
	return h.o.ConnectWithProvider(context.Background(), preferred)
}

func (h *harness) count(state domain.SessionState) int {
	n := 0
	for _, s := range h.sink.States() {
		if s == state {
			n++
		}
	}
	return n
}

func TestOrchestrator_RejectsUnknownCandidate(t *testing.T) {
	_, err := NewOrchestrator(OrchestratorConfig{Candidates: []domain.ProviderName{"missing"}}, OrchestratorDeps{
		Capture: NewCaptureManager(&testutils.FakeDevice{}, true, zaptest.NewLogger(t).Sugar()),
		Tokens:  testutils.StaticTokenIssuer{},
	})
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)

	_, err = NewOrchestrator(OrchestratorConfig{}, OrchestratorDeps{
		Capture: NewCaptureManager(&testutils.FakeDevice{}, true, zaptest.NewLogger(t).Sugar()),
		Tokens:  testutils.StaticTokenIssuer{},
	})
	assert.ErrorIs(t, err, domain.ErrNoProviders)
}

func TestOrchestrator_ConnectsPeerToPeerFirst(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.connect(t, ""))

	assert.Equal(t, domain.StateConnected, h.o.State())
	assert.Equal(t, providerP2P, h.o.Provider())
	assert.Equal(t, []domain.SessionState{domain.StateConnecting, domain.StateConnected}, h.sink.States())
	assert.True(t, h.monitor.Running())
	assert.Equal(t, 0, h.hostedA.Connects())

	requests := h.p2p.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "room-1", requests[0].RoomID)
	assert.Equal(t, domain.Identity("alice"), requests[0].ParticipantName)
	assert.NotEmpty(t, requests[0].Token.Value)
}

func TestOrchestrator_ConnectBeforeInitialize(t *testing.T) {
	h := newHarness(t)

	err := h.o.ConnectWithProvider(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrMediaNotReady)
	assert.Equal(t, domain.StateInitializing, h.o.State())
	assert.Empty(t, h.sink.States())
}

func TestOrchestrator_InitializeIsIdempotent(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.o.Initialize(context.Background()))
	require.NoError(t, h.o.Initialize(context.Background()))
	assert.Len(t, h.device.Calls(), 1)
}

func TestOrchestrator_PreferredFailsFallbackSucceeds(t *testing.T) {
	h := newHarness(t)
	h.p2p.Results = []error{errHandshake}

	require.NoError(t, h.connect(t, ""))

	assert.Equal(t, providerHostedA, h.o.Provider())
	assert.Equal(t, 1, h.count(domain.StateConnected))

	switches := h.sink.OfType(domain.EventProviderSwitched)
	require.Len(t, switches, 1)
	sw := switches[0].Detail.(domain.ProviderSwitch)
	assert.Equal(t, providerP2P, sw.From)
	assert.Equal(t, providerHostedA, sw.To)
	assert.Equal(t, 2, sw.Attempt)
	assert.Equal(t, string(domain.KindProviderHandshake), sw.Reason)

	failures := h.sink.OfType(domain.EventProviderFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, providerP2P, failures[0].Detail.(domain.ProviderFailure).Provider)
	assert.Empty(t, h.sink.OfType(domain.EventFatalError))
}

func TestOrchestrator_AllProvidersFail(t *testing.T) {
	h := newHarness(t)
	h.p2p.Results = []error{errHandshake}
	h.hostedA.Results = []error{errHandshake}
	h.hostedB.Results = []error{errors.New("connection reset")}

	err := h.connect(t, "")

	var exhausted *domain.LadderExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, []domain.ProviderName{providerP2P, providerHostedA, providerHostedB}, exhausted.Tried)
	assert.Equal(t, domain.KindNetworkTransport, domain.KindOf(err))

	// preferred plus two fallbacks
	assert.Equal(t, 3, h.p2p.Connects()+h.hostedA.Connects()+h.hostedB.Connects())
	assert.Equal(t, domain.StateFailed, h.o.State())
	assert.Equal(t, []domain.SessionState{domain.StateConnecting, domain.StateFailed}, h.sink.States())
	assert.Len(t, h.sink.OfType(domain.EventFatalError), 1)
	assert.Len(t, h.sink.OfType(domain.EventProviderSwitched), 2)
	assert.False(t, h.monitor.Running())
}

func TestOrchestrator_MaxRetriesBoundsAttempts(t *testing.T) {
	h := newHarness(t, withConfig(func(c *OrchestratorConfig) { c.MaxRetries = 0 }))
	h.p2p.Results = []error{errHandshake}

	err := h.connect(t, "")

	var exhausted *domain.LadderExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, []domain.ProviderName{providerP2P}, exhausted.Tried)
	assert.Equal(t, 0, h.hostedA.Connects())
}

func TestOrchestrator_PreferredProviderHeadsLadder(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.connect(t, providerHostedB))
	assert.Equal(t, providerHostedB, h.o.Provider())
	assert.Equal(t, 0, h.p2p.Connects())
}

func TestOrchestrator_UnknownPreferredProvider(t *testing.T) {
	h := newHarness(t)

	err := h.connect(t, "nope")
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)
	assert.Equal(t, domain.StateInitializing, h.o.State())
}

func TestOrchestrator_TokenFailureAdvancesLadder(t *testing.T) {
	tokens := &testutils.MockTokenIssuer{}
	tokens.On("Issue", mock.Anything, domain.SessionID("session-1"), domain.Identity("alice")).
		Return(domain.AccessToken{}, errors.New("issuer unavailable")).Once()
	tokens.On("Issue", mock.Anything, domain.SessionID("session-1"), domain.Identity("alice")).
		Return(domain.AccessToken{Value: "t", ExpiresAt: time.Now().Add(time.Minute)}, nil)
	h := newHarness(t, withTokens(tokens))

	require.NoError(t, h.connect(t, ""))

	assert.Equal(t, providerHostedA, h.o.Provider())
	assert.Equal(t, 0, h.p2p.Connects(), "no dial without a token")
	failures := h.sink.OfType(domain.EventProviderFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, domain.KindTokenAcquisition, failures[0].Detail.(domain.ProviderFailure).Kind)
	tokens.AssertNumberOfCalls(t, "Issue", 2)
}

func TestOrchestrator_PermissionDeniedNeverConnects(t *testing.T) {
	h := newHarness(t, withDevice(&testutils.FakeDevice{Failures: []error{captureErr(domain.KindPermissionDenied)}}))

	err := h.o.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.KindPermissionDenied, domain.KindOf(err))

	assert.Equal(t, domain.StateFailed, h.o.State())
	assert.Equal(t, []domain.SessionState{domain.StateFailed}, h.sink.States())
	assert.Zero(t, h.count(domain.StateConnecting))

	fatal := h.sink.OfType(domain.EventFatalError)
	require.Len(t, fatal, 1)
	detail := fatal[0].Detail.(domain.FatalError)
	assert.Equal(t, domain.KindPermissionDenied, detail.Kind)
	assert.Equal(t, domain.Hint(err), detail.Hint)
	assert.NotEmpty(t, detail.Hint)

	assert.ErrorIs(t, h.o.ConnectWithProvider(context.Background(), ""), domain.ErrInvalidTransition)
	assert.Zero(t, h.p2p.Connects())
}

func TestOrchestrator_EndSessionTwiceReleasesOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.connect(t, ""))

	require.NoError(t, h.o.EndSession(context.Background()))
	require.NoError(t, h.o.EndSession(context.Background()))

	for _, track := range h.device.Streams()[0].FakeTracks() {
		assert.Equal(t, 1, track.Stops())
	}
	assert.Equal(t, domain.StateEnded, h.o.State())
	assert.Equal(t, 1, h.count(domain.StateEnded))
	assert.Len(t, h.sink.OfType(domain.EventTerminated), 1)
	assert.Equal(t, 1, h.p2p.Disconnects())
	assert.False(t, h.monitor.Running())

	subscribes, unsubscribes := h.signals.Subscriptions()
	assert.Equal(t, 1, subscribes)
	assert.Equal(t, 1, unsubscribes)

	select {
	case <-h.o.Done():
	default:
		t.Fatal("done must be closed after end")
	}
	assert.ErrorIs(t, h.o.Reconnect(context.Background()), domain.ErrSessionEnded)
}

func TestOrchestrator_EndSessionFromFailed(t *testing.T) {
	h := newHarness(t)
	h.p2p.Results = []error{errHandshake}
	h.hostedA.Results = []error{errHandshake}
	h.hostedB.Results = []error{errHandshake}
	require.Error(t, h.connect(t, ""))

	require.NoError(t, h.o.EndSession(context.Background()))
	assert.Equal(t, domain.StateEnded, h.o.State())
	for _, track := range h.device.Streams()[0].FakeTracks() {
		assert.Equal(t, 1, track.Stops())
	}
}

func TestOrchestrator_EndSessionCancelsInFlightConnect(t *testing.T) {
	h := newHarness(t)
	h.p2p.Hold = make(chan struct{})
	h.p2p.IgnoreCancel = true
	require.NoError(t, h.o.Initialize(context.Background()))

	result := make(chan error, 1)
	go func() { result <- h.o.ConnectWithProvider(context.Background(), "") }()
	require.Eventually(t, func() bool { return h.p2p.Connects() == 1 }, timeout, tick)

	require.NoError(t, h.o.EndSession(context.Background()))
	assert.ErrorIs(t, <-result, domain.ErrSessionEnded)

	// the late success is discarded and torn down
	close(h.p2p.Hold)
	require.Eventually(t, func() bool { return h.p2p.Disconnects() == 1 }, timeout, tick)
	assert.False(t, h.p2p.Connected())
	assert.Equal(t, domain.StateEnded, h.o.State())
	assert.Zero(t, h.count(domain.StateConnected))
	assert.Zero(t, h.hostedA.Connects())
}

func TestOrchestrator_EndSessionCancelsInFlightMedia(t *testing.T) {
	h := newHarness(t, withDevice(&testutils.FakeDevice{Hold: make(chan struct{})}))

	result := make(chan error, 1)
	go func() { result <- h.o.Initialize(context.Background()) }()
	require.Eventually(t, func() bool { return len(h.device.Calls()) == 1 }, timeout, tick)

	require.NoError(t, h.o.EndSession(context.Background()))
	assert.ErrorIs(t, <-result, domain.ErrSessionEnded)
	assert.Equal(t, []domain.SessionState{domain.StateEnded}, h.sink.States())
}

func TestOrchestrator_QueuedConnectRunsAfterMedia(t *testing.T) {
	hold := make(chan struct{})
	h := newHarness(t, withDevice(&testutils.FakeDevice{Hold: hold}))

	initialized := make(chan error, 1)
	go func() { initialized <- h.o.Initialize(context.Background()) }()
	require.Eventually(t, func() bool { return len(h.device.Calls()) == 1 }, timeout, tick)

	connected := make(chan error, 1)
	go func() { connected <- h.o.ConnectWithProvider(context.Background(), "") }()
	time.Sleep(5 * tick)
	assert.Equal(t, domain.StateInitializing, h.o.State())

	close(hold)
	require.NoError(t, <-initialized)
	require.NoError(t, <-connected)
	assert.Equal(t, domain.StateConnected, h.o.State())
}

func TestOrchestrator_ReconnectRetriesCurrentProviderFirst(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.connect(t, ""))

	require.NoError(t, h.o.Reconnect(context.Background()))

	assert.Equal(t, providerP2P, h.o.Provider())
	assert.Equal(t, 2, h.p2p.Connects())
	assert.Equal(t, 1, h.p2p.Disconnects())
	assert.Equal(t, []domain.SessionState{
		domain.StateConnecting,
		domain.StateConnected,
		domain.StateReconnecting,
		domain.StateConnecting,
		domain.StateConnected,
	}, h.sink.States())
	assert.Empty(t, h.sink.OfType(domain.EventProviderSwitched))
	assert.Len(t, h.device.Calls(), 1, "reconnect keeps the stream")
}

func TestOrchestrator_ReconnectWalksLadderAfterCurrent(t *testing.T) {
	h := newHarness(t)
	h.p2p.Results = []error{errHandshake}
	h.hostedA.Results = []error{nil, errHandshake}
	require.NoError(t, h.connect(t, ""))
	require.Equal(t, providerHostedA, h.o.Provider())

	require.NoError(t, h.o.Reconnect(context.Background()))

	assert.Equal(t, providerP2P, h.o.Provider())
	assert.Equal(t, []domain.ProviderName{providerHostedA, providerP2P}, h.o.Snapshot().Tried)
}

func TestOrchestrator_ReconnectFromFailed(t *testing.T) {
	h := newHarness(t)
	h.p2p.Results = []error{errHandshake}
	h.hostedA.Results = []error{errHandshake}
	h.hostedB.Results = []error{errHandshake}
	require.Error(t, h.connect(t, ""))

	require.NoError(t, h.o.Reconnect(context.Background()))
	assert.Equal(t, domain.StateConnected, h.o.State())
	assert.Equal(t, providerP2P, h.o.Provider())
}

func TestOrchestrator_ReconnectFromFailedReacquiresMedia(t *testing.T) {
	h := newHarness(t, withDevice(&testutils.FakeDevice{Failures: []error{captureErr(domain.KindPermissionDenied)}}))
	require.Error(t, h.o.Initialize(context.Background()))

	require.NoError(t, h.o.Reconnect(context.Background()))
	assert.Equal(t, []domain.SessionState{
		domain.StateFailed,
		domain.StateReconnecting,
		domain.StateConnecting,
		domain.StateConnected,
	}, h.sink.States())
}

func TestOrchestrator_ReconnectInvalidStates(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.o.Reconnect(context.Background()), domain.ErrInvalidTransition)
	require.NoError(t, h.o.Initialize(context.Background()))
	assert.ErrorIs(t, h.o.Reconnect(context.Background()), domain.ErrInvalidTransition)
}

func TestOrchestrator_TransportLossReconnects(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.connect(t, ""))

	h.p2p.Lose(errors.New("ice failed"))

	require.Eventually(t, func() bool {
		return h.p2p.Connects() == 2 && h.o.State() == domain.StateConnected
	}, timeout, tick)
	assert.Equal(t, 1, h.count(domain.StateReconnecting))
	assert.Len(t, h.sink.OfType(domain.EventProviderFailed), 1)
}

func TestOrchestrator_TransportLossWithoutAutoReconnect(t *testing.T) {
	h := newHarness(t, withConfig(func(c *OrchestratorConfig) { c.AutoReconnect = false }))
	require.NoError(t, h.connect(t, ""))

	h.p2p.Lose(errors.New("ice failed"))

	require.Eventually(t, func() bool { return h.o.State() == domain.StateFailed }, timeout, tick)
	assert.False(t, h.monitor.Running())
	assert.Len(t, h.sink.OfType(domain.EventFatalError), 1)
}

func TestOrchestrator_QualityFailover(t *testing.T) {
	h := newHarness(t, withMonitorConfig(QualityMonitorConfig{
		Interval:          tick,
		FailoverAfter:     2,
		MinAdjustInterval: time.Hour,
	}))
	h.p2p.SetStats(failedStats, nil)
	require.NoError(t, h.connect(t, ""))

	require.Eventually(t, func() bool { return h.count(domain.StateReconnecting) >= 1 }, timeout, tick)
	h.p2p.SetStats(goodStats, nil)
	require.Eventually(t, func() bool { return h.o.State() == domain.StateConnected }, timeout, tick)
	assert.GreaterOrEqual(t, h.p2p.Connects(), 2)
	assert.NotEmpty(t, h.sink.OfType(domain.EventQualityChanged))
}

func TestOrchestrator_OrientationFlipKeepsStream(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.connect(t, ""))
	streamID := h.o.Capture().State().StreamID

	h.signals.Set(domain.PlatformSignals{
		UserAgent:       uaIPhone,
		ViewportWidth:   844,
		ViewportHeight:  390,
		OrientationType: "landscape-primary",
	})

	require.Eventually(t, func() bool { return len(h.sink.OfType(domain.EventOrientation)) == 1 }, timeout, tick)
	assert.Len(t, h.device.Calls(), 1)
	state := h.o.Capture().State()
	assert.Equal(t, streamID, state.StreamID)
	assert.Equal(t, domain.OrientationLandscape, state.Transform.Orientation)
	assert.Equal(t, domain.StateConnected, h.o.State())
}

func TestOrchestrator_MediaTogglesAreObservable(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.connect(t, ""))

	h.o.Capture().ToggleAudio()
	h.o.Capture().ToggleAudio()

	changes := h.sink.OfType(domain.EventMediaChanged)
	require.GreaterOrEqual(t, len(changes), 3)
	last := changes[len(changes)-1].Detail.(domain.MediaChange)
	assert.False(t, last.State.AudioMuted)
}

// Concurrent requests in any interleaving keep the notification stream a valid walk of
// the state machine: never two connected in a row and nothing after ended.
func TestOrchestrator_ConcurrentRequestsKeepValidHistory(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		h.p2p.Results = []error{nil, errHandshake, nil, errHandshake}
		require.NoError(t, h.connect(t, ""))

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(3)
			go func() { defer wg.Done(); _ = h.o.Reconnect(context.Background()) }()
			go func() { defer wg.Done(); _ = h.o.ConnectWithProvider(context.Background(), "") }()
			go func() { defer wg.Done(); h.p2p.Lose(errors.New("flap")) }()
		}
		wg.Add(1)
		go func() { defer wg.Done(); _ = h.o.EndSession(context.Background()) }()
		wg.Wait()
		require.NoError(t, h.o.EndSession(context.Background()))

		previous := domain.StateInitializing
		for _, e := range h.sink.OfType(domain.EventStateChanged) {
			change := e.Detail.(domain.StateChange)
			assert.Equal(t, previous, change.From)
			assert.True(t, domain.CanTransition(change.From, change.To), "%s -> %s", change.From, change.To)
			previous = change.To
		}
		assert.Equal(t, domain.StateEnded, previous)
		assert.Equal(t, 1, h.count(domain.StateEnded))
	}
}
