package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/services"
	"duocall/pkg/tracing"
	"duocall/pkg/utils"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// roomCapacity is fixed: the relay serves two-party calls only.
const roomCapacity = 2

var ErrRoomFull = errors.New("room is full")

// TokenValidator checks the bearer token presented on upgrade.
type TokenValidator interface {
	Validate(token string) (*services.Claims, error)
}

type ServerConfig struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	// MessagesPerSecond and Burst limit each connection; zero disables limiting.
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
	// AllowedOrigins restricts browser upgrades; empty allows any origin.
	AllowedOrigins []string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MessagesPerSecond: 50,
		Burst:             100,
		MaxMessageSize:    64 * 1024,
	}
}

type serverMetrics struct {
	connections prometheus.Gauge
	relayed     *prometheus.CounterVec
	rejected    *prometheus.CounterVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)
	return &serverMetrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duocall_signal_connections",
			Help: "Open signaling connections",
		}),
		relayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duocall_signal_messages_relayed_total",
			Help: "Messages forwarded between participants",
		}, []string{"type"}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duocall_signal_messages_rejected_total",
			Help: "Messages refused by the relay",
		}, []string{"reason"}),
	}
}

// Server relays session descriptions and candidates between the two
// participants of a session. The room is the session id in the caller's token.
type Server struct {
	cfg      ServerConfig
	tokens   TokenValidator
	upgrader websocket.Upgrader
	metrics  *serverMetrics

	mu    sync.RWMutex
	rooms map[domain.SessionID]map[domain.Identity]*peer

	logger *zap.SugaredLogger
}

type peer struct {
	id       string
	identity domain.Identity
	session  domain.SessionID
	conn     *websocket.Conn
	limiter  *rate.Limiter

	writeMu sync.Mutex
}

// NewServer builds a relay. reg may be nil when metrics are not wanted.
func NewServer(cfg ServerConfig, tokens TokenValidator, reg prometheus.Registerer, logger *zap.SugaredLogger) *Server {
	defaults := DefaultServerConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &Server{
		cfg:     cfg,
		tokens:  tokens,
		metrics: newServerMetrics(reg),
		rooms:   make(map[domain.SessionID]map[domain.Identity]*peer),
		logger:  logger.Named("signal"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// HandleWebSocket authenticates, upgrades and serves one participant connection.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "authorization required", http.StatusUnauthorized)
		return
	}
	claims, err := s.tokens.Validate(token)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if s.roomFull(claims.SessionID, claims.Identity) {
		s.metrics.rejected.WithLabelValues("room_full").Inc()
		http.Error(w, ErrRoomFull.Error(), http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}

	p := &peer{
		id:       utils.GenerateClientID(),
		identity: claims.Identity,
		session:  claims.SessionID,
		conn:     conn,
	}
	if s.cfg.MessagesPerSecond > 0 {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), burst)
	}

	others, err := s.join(p)
	if err != nil {
		s.metrics.rejected.WithLabelValues("room_full").Inc()
		s.sendError(p, err.Error())
		conn.Close()
		return
	}
	s.metrics.connections.Inc()
	defer s.metrics.connections.Dec()

	s.logger.Infow("participant joined", "session_id", p.session, "identity", p.identity, "client_id", p.id, "peers", len(others))

	joined, _ := NewMessage(TypeJoined, JoinedPayload{SessionID: p.session, Peers: identities(others)})
	if err := s.send(p, joined); err != nil {
		s.leave(p)
		conn.Close()
		return
	}
	for _, other := range others {
		s.send(other, Message{Type: TypePeerJoined, From: p.identity})
	}

	s.serve(r.Context(), p)
}

func (s *Server) serve(ctx context.Context, p *peer) {
	conn := p.conn
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Message, 16)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messageChan <- msg:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if err := s.handleMessage(ctx, p, msg); err != nil {
				s.logger.Infow("rejected message", "session_id", p.session, "identity", p.identity, "type", msg.Type, "error", err)
				s.sendError(p, err.Error())
			}
			if msg.Type == TypeBye {
				s.leave(p)
				return
			}

		case <-pingTicker.C:
			p.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
			p.writeMu.Unlock()
			if err != nil {
				s.logger.Infow("ping failed", "session_id", p.session, "identity", p.identity, "error", err)
				s.leave(p)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("connection lost", "session_id", p.session, "identity", p.identity, "error", err)
			}
			s.leave(p)
			return
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, from *peer, msg Message) error {
	_, span := tracing.TraceSignalMessage(ctx, msg.Type, string(from.session))
	defer span.End()

	if from.limiter != nil && !from.limiter.Allow() {
		s.metrics.rejected.WithLabelValues("rate_limited").Inc()
		return fmt.Errorf("rate limit exceeded")
	}
	if err := validate(msg); err != nil {
		s.metrics.rejected.WithLabelValues("invalid").Inc()
		return err
	}

	target := s.other(from)
	if target == nil {
		if msg.Type == TypeBye {
			return nil
		}
		s.metrics.rejected.WithLabelValues("no_peer").Inc()
		return fmt.Errorf("peer not connected")
	}

	msg.From = from.identity
	if err := s.send(target, msg); err != nil {
		return fmt.Errorf("relay %s: %w", msg.Type, err)
	}
	s.metrics.relayed.WithLabelValues(msg.Type).Inc()
	s.logger.Debugw("relayed message", "session_id", from.session, "from", from.identity, "to", target.identity, "type", msg.Type)
	return nil
}

func (s *Server) roomFull(session domain.SessionID, identity domain.Identity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room := s.rooms[session]
	if _, rejoin := room[identity]; rejoin {
		return false
	}
	return len(room) >= roomCapacity
}

// join registers p and returns the other participants. A participant that
// reconnects replaces its previous connection.
func (s *Server) join(p *peer) ([]*peer, error) {
	s.mu.Lock()
	room, ok := s.rooms[p.session]
	if !ok {
		room = make(map[domain.Identity]*peer, roomCapacity)
		s.rooms[p.session] = room
	}
	previous, rejoin := room[p.identity]
	if !rejoin && len(room) >= roomCapacity {
		s.mu.Unlock()
		return nil, ErrRoomFull
	}
	room[p.identity] = p

	others := make([]*peer, 0, len(room))
	for identity, other := range room {
		if identity != p.identity {
			others = append(others, other)
		}
	}
	s.mu.Unlock()

	if rejoin {
		s.logger.Infow("closing previous connection of rejoining participant", "session_id", p.session, "identity", p.identity)
		previous.conn.Close()
	}
	return others, nil
}

// leave removes p unless a newer connection already replaced it.
func (s *Server) leave(p *peer) {
	s.mu.Lock()
	room := s.rooms[p.session]
	current, ok := room[p.identity]
	if !ok || current != p {
		s.mu.Unlock()
		return
	}
	delete(room, p.identity)
	if len(room) == 0 {
		delete(s.rooms, p.session)
	}
	var others []*peer
	for _, other := range room {
		others = append(others, other)
	}
	s.mu.Unlock()

	for _, other := range others {
		s.send(other, Message{Type: TypePeerLeft, From: p.identity})
	}
	s.logger.Infow("participant left", "session_id", p.session, "identity", p.identity, "client_id", p.id)
}

func (s *Server) other(p *peer) *peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for identity, other := range s.rooms[p.session] {
		if identity != p.identity {
			return other
		}
	}
	return nil
}

func (s *Server) send(p *peer, msg Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return p.conn.WriteJSON(msg)
}

func (s *Server) sendError(p *peer, message string) {
	msg, _ := NewMessage(TypeError, ErrorPayload{Message: message})
	s.send(p, msg)
}

// Participants lists the identities connected to a session.
func (s *Server) Participants(session domain.SessionID) []domain.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Identity, 0, roomCapacity)
	for identity := range s.rooms[session] {
		out = append(out, identity)
	}
	return out
}

func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, room := range s.rooms {
		count += len(room)
	}
	return count
}

func (s *Server) RoomCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// Shutdown sends a going-away close frame to every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	var peers []*peer
	for _, room := range s.rooms {
		for _, p := range room {
			peers = append(peers, p)
		}
	}
	s.rooms = make(map[domain.SessionID]map[domain.Identity]*peer)
	s.mu.Unlock()

	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, p := range peers {
		p.writeMu.Lock()
		p.conn.WriteControl(websocket.CloseMessage, closeMsg, deadline)
		p.writeMu.Unlock()
		p.conn.Close()
	}
	return ctx.Err()
}

func identities(peers []*peer) []domain.Identity {
	out := make([]domain.Identity, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.identity)
	}
	return out
}
