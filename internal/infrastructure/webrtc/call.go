package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
	"duocall/internal/infrastructure/signal"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// peerConn is one negotiation generation. A peer leaving and rejoining gets a
// fresh one; callbacks of a closed generation are ignored.
type peerConn struct {
	pc        *webrtc.PeerConnection
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    atomic.Bool
}

// call is one live relay membership plus the peer connection negotiated through it.
type call struct {
	t      *P2PTransport
	client *signal.Client
	req    domain.JoinRequest
	tracks []sendTrack
	onLost ports.LossHandler
	remote *reportStats
	logger *zap.SugaredLogger

	mu   sync.Mutex
	peer *peerConn

	connected     chan struct{}
	connectedOnce sync.Once
	failed        chan error

	establishMu sync.Mutex
	established bool
	closing     atomic.Bool
	lostOnce    sync.Once
	done        chan struct{}
}

func newCall(t *P2PTransport, client *signal.Client, req domain.JoinRequest, tracks []sendTrack, onLost ports.LossHandler) *call {
	if onLost == nil {
		onLost = func(error) {}
	}
	return &call{
		t:         t,
		client:    client,
		req:       req,
		tracks:    tracks,
		onLost:    onLost,
		remote:    newReportStats(),
		logger:    t.logger.With("session_id", req.SessionID),
		connected: make(chan struct{}),
		failed:    make(chan error, 1),
		done:      make(chan struct{}),
	}
}

// run dispatches relay messages until the relay connection ends.
func (c *call) run() {
	defer close(c.done)

	for msg := range c.client.Messages() {
		if err := c.handle(msg); err != nil {
			c.logger.Warnw("signal message failed", "type", msg.Type, "from", msg.From, "error", err)
		}
	}

	if c.closing.Load() {
		return
	}
	err := c.client.Err()
	if err == nil {
		err = errors.New("relay connection closed")
	}
	c.lost(err)
}

func (c *call) handle(msg signal.Message) error {
	switch msg.Type {
	case signal.TypePeerJoined:
		// the newcomer offers; start clean and wait for it
		c.mu.Lock()
		c.closePeer()
		c.mu.Unlock()
		c.remote.reset()
		c.logger.Infow("peer joined", "peer", msg.From)
		return nil

	case signal.TypePeerLeft, signal.TypeBye:
		c.mu.Lock()
		had := c.peer != nil
		c.closePeer()
		c.mu.Unlock()
		c.remote.reset()
		if had {
			c.logger.Infow("peer left", "peer", msg.From)
		}
		return nil

	case signal.TypeOffer:
		var desc signal.SessionDescription
		if err := msg.Decode(&desc); err != nil {
			return err
		}
		return c.answer(desc)

	case signal.TypeAnswer:
		var desc signal.SessionDescription
		if err := msg.Decode(&desc); err != nil {
			return err
		}
		return c.applyAnswer(desc)

	case signal.TypeCandidate:
		var cand signal.CandidatePayload
		if err := msg.Decode(&cand); err != nil {
			return err
		}
		return c.addCandidate(webrtc.ICECandidateInit{
			Candidate:     cand.Candidate,
			SDPMid:        cand.SDPMid,
			SDPMLineIndex: cand.SDPMLineIndex,
		})

	case signal.TypeError:
		var payload signal.ErrorPayload
		if err := msg.Decode(&payload); err != nil {
			return err
		}
		return fmt.Errorf("relay: %s", payload.Message)

	default:
		return nil
	}
}

// offer starts negotiation with a peer that was already in the room.
func (c *call) offer(peer domain.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.openPeer()
	if err != nil {
		return err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	c.logger.Debugw("offering", "peer", peer)
	return c.client.Send(signal.TypeOffer, signal.SessionDescription{Type: signal.TypeOffer, SDP: offer.SDP})
}

func (c *call) answer(desc signal.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// a fresh offer always restarts negotiation
	c.closePeer()
	p, err := c.openPeer()
	if err != nil {
		return err
	}
	if err := c.setRemote(p, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: desc.SDP}); err != nil {
		return err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return c.client.Send(signal.TypeAnswer, signal.SessionDescription{Type: signal.TypeAnswer, SDP: answer.SDP})
}

func (c *call) applyAnswer(desc signal.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peer == nil {
		return errors.New("answer without an offer")
	}
	return c.setRemote(c.peer, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: desc.SDP})
}

// setRemote applies the remote description and flushes candidates that
// arrived ahead of it. Callers hold c.mu.
func (c *call) setRemote(p *peerConn, desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	p.remoteSet = true
	for _, cand := range p.pending {
		if err := p.pc.AddICECandidate(cand); err != nil {
			c.logger.Debugw("buffered candidate rejected", "error", err)
		}
	}
	p.pending = nil
	return nil
}

func (c *call) addCandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peer == nil {
		return nil
	}
	if !c.peer.remoteSet {
		c.peer.pending = append(c.peer.pending, cand)
		return nil
	}
	return c.peer.pc.AddICECandidate(cand)
}

// openPeer creates the peer connection for a new negotiation. Callers hold c.mu.
func (c *call) openPeer() (*peerConn, error) {
	if c.peer != nil {
		return c.peer, nil
	}

	pc, err := c.t.api.NewPeerConnection(webrtc.Configuration{ICEServers: c.t.cfg.WebRTC.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	p := &peerConn{pc: pc}

	for _, track := range c.tracks {
		sender, err := pc.AddTrack(track.Local())
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		go c.readReports(p, sender, clockRate(track.Kind()))
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || p.closed.Load() {
			return
		}
		json := candidate.ToJSON()
		err := c.client.Send(signal.TypeCandidate, signal.CandidatePayload{
			Candidate:     json.Candidate,
			SDPMid:        json.SDPMid,
			SDPMLineIndex: json.SDPMLineIndex,
		})
		if err != nil {
			c.logger.Debugw("candidate not sent", "error", err)
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		go c.receive(p, remote)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if p.closed.Load() {
			return
		}
		c.logger.Infow("peer connection state changed", "connection_state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			c.connectedOnce.Do(func() { close(c.connected) })
		case webrtc.PeerConnectionStateFailed:
			c.lost(errors.New("peer connection failed"))
		}
	})

	c.peer = p
	return p, nil
}

// closePeer tears down the current generation. Callers hold c.mu.
func (c *call) closePeer() {
	if c.peer == nil {
		return
	}
	c.peer.closed.Store(true)
	if err := c.peer.pc.Close(); err != nil {
		c.logger.Debugw("peer connection close failed", "error", err)
	}
	c.peer = nil
}

func (c *call) readReports(p *peerConn, sender *webrtc.RTPSender, rate uint32) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		if p.closed.Load() {
			return
		}
		c.remote.observe(packets, rate, c.t.clock.Now())
	}
}

func (c *call) receive(p *peerConn, remote *webrtc.TrackRemote) {
	kind := domain.TrackAudio
	var watcher *keyframeWatcher
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.TrackVideo
		watcher = newKeyframeWatcher(c.t.cfg.KeyframeInterval)
	}
	c.logger.Infow("remote track started", "kind", kind, "codec", remote.Codec().MimeType)

	for {
		packet, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if watcher != nil && watcher.observe(packet, c.t.clock.Now()) && !p.closed.Load() {
			pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())}}
			if err := p.pc.WriteRTCP(pli); err != nil {
				c.logger.Debugw("pli not sent", "error", err)
			}
		}
		if err := c.t.sink.WriteRTP(kind, packet); err != nil {
			c.logger.Debugw("remote sink rejected packet", "kind", kind, "error", err)
		}
	}
}

func (c *call) awaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case err := <-c.failed:
		return err
	case <-c.done:
		if err := c.client.Err(); err != nil {
			return err
		}
		return errors.New("relay closed during negotiation")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// establish hands loss reporting over to onLost. A failure seen while
// connecting but after negotiation finished is delivered here.
func (c *call) establish() {
	c.establishMu.Lock()
	c.established = true
	c.establishMu.Unlock()

	select {
	case err := <-c.failed:
		c.lost(err)
	default:
	}
}

// lost reports a drop at most once, and never once Disconnect has begun.
func (c *call) lost(err error) {
	if c.closing.Load() {
		return
	}
	c.establishMu.Lock()
	established := c.established
	c.establishMu.Unlock()

	if !established {
		select {
		case c.failed <- err:
		default:
		}
		return
	}
	c.lostOnce.Do(func() {
		c.logger.Warnw("connection lost", "error", err)
		c.onLost(err)
	})
}

func (c *call) close() {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	c.closePeer()
	c.mu.Unlock()
	c.client.Close()
}

func (c *call) stats(now time.Time) domain.ConnectionStats {
	c.mu.Lock()
	var report webrtc.StatsReport
	if c.peer != nil {
		report = c.peer.pc.GetStats()
	}
	c.mu.Unlock()

	var video *domain.CaptureConstraints
	for _, track := range c.tracks {
		if track.Kind() != domain.TrackVideo {
			continue
		}
		if ct, ok := track.(constrainedTrack); ok {
			current := ct.Constraints()
			video = &current
		}
		break
	}
	return buildStats(now, report, c.remote, c.t.cfg.WebRTC.MaxBitrate, video)
}

func clockRate(kind domain.TrackKind) uint32 {
	if kind == domain.TrackVideo {
		return 90000
	}
	return 48000
}
