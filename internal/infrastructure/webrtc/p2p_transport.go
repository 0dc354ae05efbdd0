package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
	"duocall/internal/infrastructure/signal"
	"duocall/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("transport not connected")

// P2PConfig configures the direct transport.
type P2PConfig struct {
	Name      domain.ProviderName
	SignalURL string
	WebRTC    WebRTCConfig
	// KeyframeInterval bounds how long remote video may go without a keyframe
	// before a PLI is sent.
	KeyframeInterval time.Duration
	HandshakeTimeout time.Duration
}

// P2PTransport connects the two participants directly. The relay carries only
// offers, answers and candidates; media flows peer to peer.
type P2PTransport struct {
	cfg    P2PConfig
	api    *webrtc.API
	sink   RemoteSink
	clock  ports.Clock
	logger *zap.SugaredLogger

	mu   sync.Mutex
	call *call
}

func NewP2PTransport(cfg P2PConfig, sink RemoteSink, clock ports.Clock, logger *zap.SugaredLogger) (*P2PTransport, error) {
	if cfg.Name == "" {
		cfg.Name = "p2p"
	}
	if sink == nil {
		sink = &CountingSink{}
	}
	if clock == nil {
		clock = ports.SystemClock
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	api, err := newAPI(cfg.WebRTC)
	if err != nil {
		return nil, err
	}

	return &P2PTransport{
		cfg:    cfg,
		api:    api,
		sink:   sink,
		clock:  clock,
		logger: logger.Named("p2p").With("provider", cfg.Name),
	}, nil
}

func (t *P2PTransport) Name() domain.ProviderName { return t.cfg.Name }
func (t *P2PTransport) Kind() domain.ProviderKind { return domain.ProviderKindP2P }

// Connect joins the relay room. When the other participant is already there
// it offers and waits for the peer connection; otherwise it returns once
// joined and negotiates when the peer arrives.
func (t *P2PTransport) Connect(ctx context.Context, req domain.JoinRequest, media ports.MediaStream, onLost ports.LossHandler) error {
	ctx, span := tracing.TraceTransport(ctx, "connect", string(t.cfg.Name), string(req.SessionID))
	defer span.End()

	err := t.connect(ctx, req, media, onLost)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (t *P2PTransport) connect(ctx context.Context, req domain.JoinRequest, media ports.MediaStream, onLost ports.LossHandler) error {
	t.mu.Lock()
	busy := t.call != nil
	t.mu.Unlock()
	if busy {
		return t.connectError(errors.New("already connected"))
	}

	tracks, err := sendable(media)
	if err != nil {
		return t.connectError(err)
	}

	client, err := signal.Dial(ctx, signal.ClientConfig{
		URL:              t.cfg.SignalURL,
		HandshakeTimeout: t.cfg.HandshakeTimeout,
	}, req.Token.Value, t.logger)
	if err != nil {
		return t.connectError(err)
	}

	joined, err := awaitJoined(ctx, client)
	if err != nil {
		client.Close()
		return t.connectError(err)
	}

	c := newCall(t, client, req, tracks, onLost)
	go c.run()

	if len(joined.Peers) > 0 {
		if err := c.offer(joined.Peers[0]); err != nil {
			c.close()
			return t.connectError(err)
		}
		if err := c.awaitConnected(ctx); err != nil {
			c.close()
			return t.connectError(err)
		}
	}

	c.establish()
	t.mu.Lock()
	t.call = c
	t.mu.Unlock()

	t.logger.Infow("joined session",
		"session_id", req.SessionID,
		"participant", req.ParticipantName,
		"peer_present", len(joined.Peers) > 0,
	)
	return nil
}

func awaitJoined(ctx context.Context, client *signal.Client) (signal.JoinedPayload, error) {
	var joined signal.JoinedPayload
	for {
		select {
		case <-ctx.Done():
			return joined, ctx.Err()
		case msg, ok := <-client.Messages():
			if !ok {
				if err := client.Err(); err != nil {
					return joined, err
				}
				return joined, errors.New("relay closed before join")
			}
			if msg.Type != signal.TypeJoined {
				continue
			}
			err := msg.Decode(&joined)
			return joined, err
		}
	}
}

// connectError classifies relay handshake rejections apart from plain
// network failures.
func (t *P2PTransport) connectError(err error) error {
	kind := domain.KindNetworkTransport
	var handshake *signal.HandshakeError
	if errors.As(err, &handshake) {
		kind = domain.KindProviderHandshake
	}
	return &domain.ConnectError{Kind: kind, Provider: t.cfg.Name, Cause: err}
}

func (t *P2PTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	c := t.call
	t.call = nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}

	_, span := tracing.TraceTransport(ctx, "disconnect", string(t.cfg.Name), string(c.req.SessionID))
	defer span.End()

	c.close()
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.logger.Infow("left session", "session_id", c.req.SessionID)
	return nil
}

func (t *P2PTransport) Stats(ctx context.Context) (domain.ConnectionStats, error) {
	t.mu.Lock()
	c := t.call
	t.mu.Unlock()
	if c == nil {
		return domain.ConnectionStats{}, ErrNotConnected
	}
	return c.stats(t.clock.Now()), nil
}

// Prewarm gathers ICE candidates on a scratch connection so STUN bindings
// and interface enumeration are warm before the real connect.
func (t *P2PTransport) Prewarm(ctx context.Context, req domain.JoinRequest) error {
	ctx, span := tracing.TraceTransport(ctx, "prewarm", string(t.cfg.Name), string(req.SessionID))
	defer span.End()

	pc, err := t.api.NewPeerConnection(webrtc.Configuration{ICEServers: t.cfg.WebRTC.ICEServers})
	if err != nil {
		return fmt.Errorf("prewarm: %w", err)
	}
	defer pc.Close()

	if _, err := pc.CreateDataChannel("prewarm", nil); err != nil {
		return fmt.Errorf("prewarm: %w", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("prewarm: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("prewarm: %w", err)
	}

	select {
	case <-gathered:
		t.logger.Debugw("ice prewarmed", "session_id", req.SessionID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendTrack is a capture track backed by a pion local track.
type sendTrack interface {
	ports.MediaTrack
	Local() webrtc.TrackLocal
}

type constrainedTrack interface {
	Constraints() domain.CaptureConstraints
}

func sendable(media ports.MediaStream) ([]sendTrack, error) {
	if media == nil {
		return nil, errors.New("no local media")
	}
	var out []sendTrack
	for _, track := range media.Tracks() {
		st, ok := track.(sendTrack)
		if !ok {
			return nil, fmt.Errorf("track %s cannot be sent over webrtc", track.ID())
		}
		out = append(out, st)
	}
	return out, nil
}
