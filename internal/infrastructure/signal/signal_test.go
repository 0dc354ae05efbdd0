package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/services"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSDP = "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type relayFixture struct {
	t      *testing.T
	server *Server
	tokens *services.TokenService
	reg    *prometheus.Registry
	url    string
}

func newRelay(t *testing.T, cfg ServerConfig) *relayFixture {
	tokens := services.NewTokenService(services.TokenServiceConfig{Secret: "relay-secret", Issuer: "duocall"}, nil, nil)
	reg := prometheus.NewRegistry()
	server := NewServer(cfg, tokens, reg, zaptest.NewLogger(t).Sugar())

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(func() {
		server.Shutdown(context.Background())
		ts.Close()
	})

	return &relayFixture{
		t:      t,
		server: server,
		tokens: tokens,
		reg:    reg,
		url:    "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func (f *relayFixture) dial(session domain.SessionID, identity domain.Identity) (*Client, error) {
	token, err := f.tokens.Issue(context.Background(), session, identity)
	require.NoError(f.t, err)
	return Dial(context.Background(), ClientConfig{URL: f.url}, token.Value, zaptest.NewLogger(f.t).Sugar())
}

func (f *relayFixture) mustDial(session domain.SessionID, identity domain.Identity) *Client {
	c, err := f.dial(session, identity)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { c.Close() })
	return c
}

func expect(t *testing.T, c *Client, msgType string) Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-c.Messages():
			require.True(t, ok, "connection closed while waiting for %s", msgType)
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
		}
	}
}

func TestRelay_ForwardsBetweenParticipants(t *testing.T) {
	relay := newRelay(t, DefaultServerConfig())

	alice := relay.mustDial("session-1", "alice")
	var joined JoinedPayload
	require.NoError(t, expect(t, alice, TypeJoined).Decode(&joined))
	assert.Empty(t, joined.Peers)

	bob := relay.mustDial("session-1", "bob")
	require.NoError(t, expect(t, bob, TypeJoined).Decode(&joined))
	assert.Equal(t, []domain.Identity{"alice"}, joined.Peers)
	assert.Equal(t, domain.Identity("bob"), expect(t, alice, TypePeerJoined).From)

	require.NoError(t, bob.Send(TypeOffer, SessionDescription{Type: "offer", SDP: testSDP}))
	offer := expect(t, alice, TypeOffer)
	assert.Equal(t, domain.Identity("bob"), offer.From)
	var desc SessionDescription
	require.NoError(t, offer.Decode(&desc))
	assert.Equal(t, testSDP, desc.SDP)

	require.NoError(t, alice.Send(TypeAnswer, SessionDescription{Type: "answer", SDP: testSDP}))
	assert.Equal(t, domain.Identity("alice"), expect(t, bob, TypeAnswer).From)

	require.NoError(t, alice.Send(TypeCandidate, CandidatePayload{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"}))
	expect(t, bob, TypeCandidate)

	assert.ElementsMatch(t, []domain.Identity{"alice", "bob"}, relay.server.Participants("session-1"))
	assert.Equal(t, 1, relay.server.RoomCount())
	assert.Equal(t, float64(1), testutil.ToFloat64(relay.server.metrics.relayed.WithLabelValues(TypeOffer)))
}

func TestRelay_RejectsBadTokens(t *testing.T) {
	relay := newRelay(t, DefaultServerConfig())

	_, err := Dial(context.Background(), ClientConfig{URL: relay.url}, "garbage", nil)
	var handshake *HandshakeError
	require.ErrorAs(t, err, &handshake)
	assert.Equal(t, 401, handshake.StatusCode)
}

func TestRelay_RoomHoldsTwo(t *testing.T) {
	relay := newRelay(t, DefaultServerConfig())
	expect(t, relay.mustDial("session-1", "alice"), TypeJoined)
	expect(t, relay.mustDial("session-1", "bob"), TypeJoined)

	_, err := relay.dial("session-1", "carol")
	var handshake *HandshakeError
	require.ErrorAs(t, err, &handshake)
	assert.Equal(t, 409, handshake.StatusCode)

	// other sessions are unaffected
	relay.mustDial("session-2", "carol")
}

func TestRelay_RejoinReplacesConnection(t *testing.T) {
	relay := newRelay(t, DefaultServerConfig())
	alice := relay.mustDial("session-1", "alice")
	expect(t, alice, TypeJoined)

	first := relay.mustDial("session-1", "bob")
	expect(t, first, TypeJoined)
	second := relay.mustDial("session-1", "bob")
	expect(t, second, TypeJoined)

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replaced connection stayed open")
	}
	assert.Len(t, relay.server.Participants("session-1"), 2)
}

func TestRelay_InvalidMessagesAreReported(t *testing.T) {
	relay := newRelay(t, DefaultServerConfig())
	alice := relay.mustDial("session-1", "alice")
	expect(t, alice, TypeJoined)

	require.NoError(t, alice.Send(TypeCandidate, CandidatePayload{Candidate: "candidate:1"}))
	var payload ErrorPayload
	require.NoError(t, expect(t, alice, TypeError).Decode(&payload))
	assert.Contains(t, payload.Message, "peer not connected")

	expect(t, relay.mustDial("session-1", "bob"), TypeJoined)
	require.NoError(t, alice.Send(TypeOffer, SessionDescription{Type: "offer", SDP: "nonsense"}))
	require.NoError(t, expect(t, alice, TypeError).Decode(&payload))
	assert.Contains(t, payload.Message, "invalid SDP")

	require.NoError(t, alice.Send("subscribe", nil))
	require.NoError(t, expect(t, alice, TypeError).Decode(&payload))
	assert.Contains(t, payload.Message, "unknown message type")
}

func TestRelay_RateLimitsPerConnection(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MessagesPerSecond = 0.001
	cfg.Burst = 1
	relay := newRelay(t, cfg)

	alice := relay.mustDial("session-1", "alice")
	bob := relay.mustDial("session-1", "bob")
	expect(t, alice, TypePeerJoined)

	candidate := CandidatePayload{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}
	require.NoError(t, alice.Send(TypeCandidate, candidate))
	expect(t, bob, TypeCandidate)

	require.NoError(t, alice.Send(TypeCandidate, candidate))
	var payload ErrorPayload
	require.NoError(t, expect(t, alice, TypeError).Decode(&payload))
	assert.Equal(t, "rate limit exceeded", payload.Message)
	assert.Equal(t, float64(1), testutil.ToFloat64(relay.server.metrics.rejected.WithLabelValues("rate_limited")))
}

func TestRelay_ByeNotifiesPeer(t *testing.T) {
	relay := newRelay(t, DefaultServerConfig())
	alice := relay.mustDial("session-1", "alice")
	bob, err := relay.dial("session-1", "bob")
	require.NoError(t, err)
	expect(t, alice, TypePeerJoined)

	require.NoError(t, bob.Close())
	assert.Equal(t, domain.Identity("bob"), expect(t, alice, TypePeerLeft).From)
	assert.NoError(t, bob.Err())

	require.Eventually(t, func() bool { return relay.server.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestProtocol_Validate(t *testing.T) {
	offer, err := NewMessage(TypeOffer, SessionDescription{Type: "answer", SDP: testSDP})
	require.NoError(t, err)
	assert.Error(t, validate(offer), "description type must match the envelope")

	assert.Error(t, validate(Message{}))
	assert.NoError(t, validate(Message{Type: TypeBye}))
	assert.Error(t, validate(Message{Type: TypeCandidate}))
}
