package testutils

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"

	"github.com/stretchr/testify/mock"
)

// FakeTrack records every state change applied to it.
type FakeTrack struct {
	id   string
	kind domain.TrackKind

	mu          sync.Mutex
	enabled     bool
	constraints []domain.CaptureConstraints
	RejectApply error
	stops       int32
}

func NewFakeTrack(id string, kind domain.TrackKind) *FakeTrack {
	return &FakeTrack{id: id, kind: kind, enabled: true}
}

func (t *FakeTrack) ID() string             { return t.id }
func (t *FakeTrack) Kind() domain.TrackKind { return t.kind }

func (t *FakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *FakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *FakeTrack) ApplyConstraints(c domain.CaptureConstraints) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.RejectApply != nil {
		return t.RejectApply
	}
	t.constraints = append(t.constraints, c)
	return nil
}

// Applied returns the constraints applied so far.
func (t *FakeTrack) Applied() []domain.CaptureConstraints {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.CaptureConstraints(nil), t.constraints...)
}

func (t *FakeTrack) Stop() { atomic.AddInt32(&t.stops, 1) }

// Stops counts Stop calls.
func (t *FakeTrack) Stops() int { return int(atomic.LoadInt32(&t.stops)) }

type FakeStream struct {
	id     domain.StreamID
	tracks []*FakeTrack
}

func (s *FakeStream) ID() domain.StreamID { return s.id }

func (s *FakeStream) Tracks() []ports.MediaTrack {
	tracks := make([]ports.MediaTrack, len(s.tracks))
	for i, t := range s.tracks {
		tracks[i] = t
	}
	return tracks
}

// FakeTracks exposes the concrete tracks for assertions.
func (s *FakeStream) FakeTracks() []*FakeTrack { return s.tracks }

// FakeDevice fails the first len(Failures) acquisitions with the scripted errors
// (nil entries succeed) and succeeds afterwards. A non-nil Hold blocks every
// acquisition until it is closed or ctx ends.
type FakeDevice struct {
	Failures []error
	Hold     chan struct{}

	mu      sync.Mutex
	calls   []domain.CaptureConstraints
	streams []*FakeStream
}

func (d *FakeDevice) Acquire(ctx context.Context, c domain.CaptureConstraints) (ports.MediaStream, error) {
	d.mu.Lock()
	call := len(d.calls)
	d.calls = append(d.calls, c)
	hold := d.Hold
	d.mu.Unlock()

	if call < len(d.Failures) && d.Failures[call] != nil {
		return nil, d.Failures[call]
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	id := domain.StreamID(fmt.Sprintf("stream-%d", len(d.streams)+1))
	stream := &FakeStream{id: id}
	stream.tracks = append(stream.tracks, NewFakeTrack(string(id)+"-audio", domain.TrackAudio))
	if !c.AudioOnly {
		stream.tracks = append(stream.tracks, NewFakeTrack(string(id)+"-video", domain.TrackVideo))
	}
	d.streams = append(d.streams, stream)
	return stream, nil
}

// Calls returns the constraints of every acquisition attempt in order.
func (d *FakeDevice) Calls() []domain.CaptureConstraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.CaptureConstraints(nil), d.calls...)
}

// Streams returns every stream handed out.
func (d *FakeDevice) Streams() []*FakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeStream(nil), d.streams...)
}

// FakeTransport connects according to Results, one entry per Connect call; calls beyond
// the script succeed. A non-nil Hold blocks Connect until it is closed or ctx ends;
// with IgnoreCancel only closing Hold releases it.
type FakeTransport struct {
	name domain.ProviderName
	kind domain.ProviderKind

	Results      []error
	Hold         chan struct{}
	IgnoreCancel bool

	mu          sync.Mutex
	connects    int
	disconnects int
	prewarms    int
	connected   bool
	onLost      ports.LossHandler
	requests    []domain.JoinRequest
	stats       domain.ConnectionStats
	statsErr    error
}

func NewFakeTransport(name domain.ProviderName, kind domain.ProviderKind) *FakeTransport {
	return &FakeTransport{
		name: name,
		kind: kind,
		stats: domain.ConnectionStats{
			Bandwidth: 1500,
			Latency:   80 * time.Millisecond,
		},
	}
}

func (t *FakeTransport) Name() domain.ProviderName { return t.name }
func (t *FakeTransport) Kind() domain.ProviderKind { return t.kind }

func (t *FakeTransport) Connect(ctx context.Context, req domain.JoinRequest, media ports.MediaStream, onLost ports.LossHandler) error {
	t.mu.Lock()
	call := t.connects
	t.connects++
	t.requests = append(t.requests, req)
	hold := t.Hold
	t.mu.Unlock()

	if hold != nil {
		cancelled := ctx.Done()
		if t.IgnoreCancel {
			cancelled = nil
		}
		select {
		case <-hold:
		case <-cancelled:
			return ctx.Err()
		}
	}
	if call < len(t.Results) && t.Results[call] != nil {
		return t.Results[call]
	}

	t.mu.Lock()
	t.connected = true
	t.onLost = onLost
	t.mu.Unlock()
	return nil
}

func (t *FakeTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects++
	t.connected = false
	t.onLost = nil
	return nil
}

func (t *FakeTransport) Stats(ctx context.Context) (domain.ConnectionStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats, t.statsErr
}

func (t *FakeTransport) Prewarm(ctx context.Context, req domain.JoinRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prewarms++
	return nil
}

// SetStats changes what the next Stats call reports.
func (t *FakeTransport) SetStats(stats domain.ConnectionStats, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = stats
	t.statsErr = err
}

// Lose simulates a dropped connection.
func (t *FakeTransport) Lose(err error) {
	t.mu.Lock()
	onLost := t.onLost
	t.connected = false
	t.onLost = nil
	t.mu.Unlock()
	if onLost != nil {
		onLost(err)
	}
}

func (t *FakeTransport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *FakeTransport) Disconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

func (t *FakeTransport) Prewarms() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prewarms
}

func (t *FakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *FakeTransport) Requests() []domain.JoinRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.JoinRequest(nil), t.requests...)
}

// MockTokenIssuer is a testify mock of ports.TokenIssuer.
type MockTokenIssuer struct {
	mock.Mock
}

func (m *MockTokenIssuer) Issue(ctx context.Context, sessionID domain.SessionID, identity domain.Identity) (domain.AccessToken, error) {
	args := m.Called(ctx, sessionID, identity)
	return args.Get(0).(domain.AccessToken), args.Error(1)
}

// StaticTokenIssuer always returns the same token, or Err.
type StaticTokenIssuer struct {
	Err error
}

func (s StaticTokenIssuer) Issue(ctx context.Context, sessionID domain.SessionID, identity domain.Identity) (domain.AccessToken, error) {
	if s.Err != nil {
		return domain.AccessToken{}, s.Err
	}
	return domain.AccessToken{
		Value:     "token-" + string(sessionID) + "-" + string(identity),
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

// RecordingSink keeps every event in order.
type RecordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *RecordingSink) Emit(event domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *RecordingSink) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

// OfType returns the events of one type in order.
func (s *RecordingSink) OfType(t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, e := range s.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// States returns the target states of every state.changed event in order.
func (s *RecordingSink) States() []domain.SessionState {
	var out []domain.SessionState
	for _, e := range s.OfType(domain.EventStateChanged) {
		out = append(out, e.Detail.(domain.StateChange).To)
	}
	return out
}

// FakeSignals serves one platform reading and fans changes out to subscribers.
type FakeSignals struct {
	mu           sync.Mutex
	current      domain.PlatformSignals
	subscribers  map[int]func(domain.PlatformSignals)
	next         int
	subscribes   int
	unsubscribes int
}

func NewFakeSignals(current domain.PlatformSignals) *FakeSignals {
	return &FakeSignals{current: current, subscribers: make(map[int]func(domain.PlatformSignals))}
}

func (f *FakeSignals) Current() domain.PlatformSignals {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *FakeSignals) Subscribe(fn func(domain.PlatformSignals)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.subscribes++
	f.subscribers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subscribers, id)
			f.unsubscribes++
		})
	}
}

// Set replaces the reading and notifies subscribers.
func (f *FakeSignals) Set(signals domain.PlatformSignals) {
	f.mu.Lock()
	f.current = signals
	fns := make([]func(domain.PlatformSignals), 0, len(f.subscribers))
	for _, fn := range f.subscribers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(signals)
	}
}

// Subscriptions returns subscribe and unsubscribe counts.
func (f *FakeSignals) Subscriptions() (subscribes, unsubscribes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes, f.unsubscribes
}

// FakeClock only moves when told to.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// FakeConsent answers every consent prompt with Granted, or Err.
type FakeConsent struct {
	Granted bool
	Err     error

	prompts int32
}

func (f *FakeConsent) RequestConsent(ctx context.Context, identity domain.Identity) (bool, error) {
	atomic.AddInt32(&f.prompts, 1)
	return f.Granted, f.Err
}

func (f *FakeConsent) Prompts() int { return int(atomic.LoadInt32(&f.prompts)) }

// FakePermissionCache remembers grants forever; TTL behavior is covered by the real caches.
type FakePermissionCache struct {
	Err error

	mu      sync.Mutex
	granted map[domain.Identity]bool
	records int
}

func NewFakePermissionCache(granted ...domain.Identity) *FakePermissionCache {
	c := &FakePermissionCache{granted: make(map[domain.Identity]bool)}
	for _, id := range granted {
		c.granted[id] = true
	}
	return c
}

func (c *FakePermissionCache) GrantedRecently(ctx context.Context, identity domain.Identity) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return false, c.Err
	}
	return c.granted[identity], nil
}

func (c *FakePermissionCache) RecordGrant(ctx context.Context, identity domain.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.granted[identity] = true
	c.records++
	return nil
}

func (c *FakePermissionCache) Records() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records
}
