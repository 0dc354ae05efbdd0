package webrtc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
	"duocall/internal/core/services"
	"duocall/internal/infrastructure/capture"
	"duocall/internal/infrastructure/signal"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNTPCompact(t *testing.T) {
	assert.Equal(t, uint32(2122317824), ntpCompact(time.Unix(0, 0)))
	assert.Equal(t, uint32(2122350592), ntpCompact(time.Unix(0, int64(500*time.Millisecond))))
}

func TestReportStats_Observe(t *testing.T) {
	now := time.Unix(1700000000, 0)
	stats := newReportStats()

	_, ok := stats.worst()
	assert.False(t, ok)

	stats.observe([]rtcp.Packet{
		&rtcp.SenderReport{SSRC: 9},
		&rtcp.ReceiverReport{SSRC: 1, Reports: []rtcp.ReceptionReport{
			{SSRC: 10, FractionLost: 128, Jitter: 900, LastSenderReport: ntpCompact(now.Add(-300 * time.Millisecond)), Delay: 6553},
		}},
	}, 90000, now)
	stats.observe([]rtcp.Packet{
		&rtcp.ReceiverReport{SSRC: 1, Reports: []rtcp.ReceptionReport{
			{SSRC: 11, FractionLost: 26, Jitter: 960},
		}},
	}, 48000, now)

	worst, ok := stats.worst()
	require.True(t, ok)
	assert.InDelta(t, 50.0, worst.lossPercent, 0.01)
	assert.Equal(t, 20*time.Millisecond, worst.jitter)
	assert.InDelta(t, float64(200*time.Millisecond), float64(worst.rtt), float64(time.Millisecond))

	stats.reset()
	_, ok = stats.worst()
	assert.False(t, ok)
}

func TestBuildStats_FallsBackWithoutPairStats(t *testing.T) {
	now := time.Unix(1700000000, 0)
	remote := newReportStats()
	remote.observe([]rtcp.Packet{
		&rtcp.ReceiverReport{Reports: []rtcp.ReceptionReport{{SSRC: 1, FractionLost: 64, Jitter: 480}}},
	}, 48000, now)
	video := &domain.CaptureConstraints{
		Width:     domain.Range{Ideal: 640},
		Height:    domain.Range{Ideal: 360},
		FrameRate: domain.Range{Ideal: 24},
	}

	stats := buildStats(now, nil, remote, 1500, video)

	assert.Equal(t, now, stats.Timestamp)
	assert.Equal(t, 1500, stats.Bandwidth)
	assert.InDelta(t, 25.0, stats.PacketLoss, 0.01)
	assert.Equal(t, 10*time.Millisecond, stats.Jitter)
	assert.Equal(t, domain.Resolution{Width: 640, Height: 360}, stats.Resolution)
	assert.Equal(t, 24.0, stats.FrameRate)
}

func TestIsVP8Keyframe(t *testing.T) {
	cases := map[string]struct {
		payload []byte
		want    bool
	}{
		"keyframe":                 {[]byte{0x10, 0x00}, true},
		"interframe":               {[]byte{0x10, 0x01}, false},
		"continuation":             {[]byte{0x00, 0x00}, false},
		"later partition":          {[]byte{0x11, 0x00}, false},
		"extended with picture id": {[]byte{0x90, 0x80, 0x81, 0x23, 0x00}, true},
		"extended short id":        {[]byte{0x90, 0xc0, 0x12, 0x05, 0x01}, false},
		"truncated":                {[]byte{0x90, 0x80}, false},
		"empty":                    {nil, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, isVP8Keyframe(tc.payload))
		})
	}
}

func TestKeyframeWatcher_PacesRequests(t *testing.T) {
	w := newKeyframeWatcher(3 * time.Second)
	t0 := time.Unix(1700000000, 0)
	delta := &rtp.Packet{Payload: []byte{0x10, 0x01}}
	key := &rtp.Packet{Payload: []byte{0x10, 0x00}}

	assert.True(t, w.observe(delta, t0), "first packet without keyframe")
	assert.False(t, w.observe(delta, t0.Add(time.Second)))
	assert.False(t, w.observe(key, t0.Add(2*time.Second)))
	assert.False(t, w.observe(delta, t0.Add(4*time.Second)))
	assert.True(t, w.observe(delta, t0.Add(5500*time.Millisecond)))
}

type relay struct {
	t      *testing.T
	tokens *services.TokenService
	url    string
}

func newRelay(t *testing.T) *relay {
	tokens := services.NewTokenService(services.TokenServiceConfig{Secret: "p2p-secret"}, nil, nil)
	server := signal.NewServer(signal.DefaultServerConfig(), tokens, prometheus.NewRegistry(), zaptest.NewLogger(t).Sugar())
	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(func() {
		server.Shutdown(context.Background())
		ts.Close()
	})
	return &relay{t: t, tokens: tokens, url: "ws" + strings.TrimPrefix(ts.URL, "http")}
}

func (r *relay) request(session domain.SessionID, identity domain.Identity) domain.JoinRequest {
	token, err := r.tokens.Issue(context.Background(), session, identity)
	require.NoError(r.t, err)
	return domain.JoinRequest{SessionID: session, RoomID: string(session), ParticipantName: identity, Token: token}
}

func newTransport(t *testing.T, url string, sink RemoteSink) *P2PTransport {
	cfg := P2PConfig{Name: "direct", SignalURL: url, HandshakeTimeout: 2 * time.Second}
	cfg.WebRTC.MaxBitrate = 1200
	transport, err := NewP2PTransport(cfg, sink, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { transport.Disconnect(context.Background()) })
	return transport
}

func acquire(t *testing.T) ports.MediaStream {
	stream, err := capture.NewDevice(nil, nil).Acquire(context.Background(), domain.CaptureConstraints{
		Width:     domain.Range{Ideal: 320, Max: 640},
		Height:    domain.Range{Ideal: 240, Max: 480},
		FrameRate: domain.Range{Ideal: 30, Max: 30},
	})
	require.NoError(t, err)
	t.Cleanup(stream.(*capture.Stream).Stop)
	return stream
}

func TestP2P_RejectedTokenIsHandshakeFailure(t *testing.T) {
	r := newRelay(t)
	transport := newTransport(t, r.url, nil)

	req := r.request("s-1", "alice")
	req.Token.Value = "forged"
	err := transport.Connect(context.Background(), req, acquire(t), nil)

	var connectErr *domain.ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.Equal(t, domain.KindProviderHandshake, connectErr.Kind)
	assert.Equal(t, domain.ProviderName("direct"), connectErr.Provider)
}

func TestP2P_UnreachableRelayIsNetworkFailure(t *testing.T) {
	transport := newTransport(t, "ws://127.0.0.1:1/ws", nil)

	err := transport.Connect(context.Background(), domain.JoinRequest{SessionID: "s-1"}, acquire(t), nil)
	assert.Equal(t, domain.KindNetworkTransport, domain.KindOf(err))
	assert.Equal(t, domain.ProviderKindP2P, transport.Kind())
}

func TestP2P_JoinsEmptyRoomAndWaits(t *testing.T) {
	r := newRelay(t)
	transport := newTransport(t, r.url, nil)

	_, err := transport.Stats(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	var lost atomic.Int32
	require.NoError(t, transport.Connect(context.Background(), r.request("s-1", "alice"), acquire(t), func(error) { lost.Add(1) }))

	err = transport.Connect(context.Background(), r.request("s-1", "alice"), acquire(t), nil)
	assert.Error(t, err, "one live connection per transport")

	stats, err := transport.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1200, stats.Bandwidth)
	assert.Equal(t, domain.Resolution{Width: 320, Height: 240}, stats.Resolution)

	require.NoError(t, transport.Disconnect(context.Background()))
	require.NoError(t, transport.Disconnect(context.Background()))
	assert.Zero(t, lost.Load(), "disconnect is not a loss")
}

func TestP2P_RelayShutdownReportsLoss(t *testing.T) {
	tokens := services.NewTokenService(services.TokenServiceConfig{Secret: "p2p-secret"}, nil, nil)
	server := signal.NewServer(signal.DefaultServerConfig(), tokens, prometheus.NewRegistry(), zaptest.NewLogger(t).Sugar())
	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	defer ts.Close()

	transport := newTransport(t, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	token, err := tokens.Issue(context.Background(), "s-1", "alice")
	require.NoError(t, err)

	lost := make(chan error, 2)
	req := domain.JoinRequest{SessionID: "s-1", ParticipantName: "alice", Token: token}
	require.NoError(t, transport.Connect(context.Background(), req, acquire(t), func(err error) { lost <- err }))

	server.Shutdown(context.Background())

	select {
	case err := <-lost:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("loss not reported")
	}
	select {
	case <-lost:
		t.Fatal("loss reported twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestP2P_ConnectsTwoParticipants(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates real ICE over loopback")
	}
	r := newRelay(t)
	aliceSink := &CountingSink{}
	alice := newTransport(t, r.url, aliceSink)
	bob := newTransport(t, r.url, &CountingSink{})

	var aliceLost atomic.Int32
	require.NoError(t, alice.Connect(context.Background(), r.request("s-1", "alice"), acquire(t), func(error) { aliceLost.Add(1) }))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, bob.Connect(ctx, r.request("s-1", "bob"), acquire(t), nil))

	require.Eventually(t, func() bool {
		return aliceSink.Packets(domain.TrackAudio) > 0 && aliceSink.Packets(domain.TrackVideo) > 0
	}, 5*time.Second, 50*time.Millisecond)

	stats, err := bob.Stats(context.Background())
	require.NoError(t, err)
	assert.Greater(t, stats.Bandwidth, 0)

	require.NoError(t, bob.Disconnect(context.Background()))
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, aliceLost.Load(), "peer leaving keeps the room open")
}

func TestP2P_ConnectHonoursContext(t *testing.T) {
	r := newRelay(t)
	transport := newTransport(t, r.url, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := transport.Connect(ctx, r.request("s-1", "alice"), acquire(t), nil)
	assert.Equal(t, domain.KindNetworkTransport, domain.KindOf(err))
}
