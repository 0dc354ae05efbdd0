package hosted

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
	"duocall/pkg/circuitbreaker"
	"duocall/pkg/retry"
	"duocall/pkg/tracing"
	"duocall/pkg/utils"

	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("transport not connected")

// StatusError is a non-2xx answer from the provider's room API.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider returned %d", e.StatusCode)
}

func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Gone reports whether the room or participant no longer exists.
func (e *StatusError) Gone() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// BreakerReporter receives circuit state changes (0 closed, 1 open, 2 half-open).
type BreakerReporter func(provider string, state int)

type Config struct {
	Name     domain.ProviderName
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	Attempts int
	// PollInterval paces the stats heartbeat; MaxMisses consecutive failures
	// count as a lost connection.
	PollInterval time.Duration
	MaxMisses    int
}

// Transport joins a hosted conferencing room through its REST room API. The
// provider's own media stack carries audio and video.
type Transport struct {
	cfg     Config
	client  *http.Client
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
	clock   ports.Clock
	logger  *zap.SugaredLogger

	mu   sync.Mutex
	room *membership
}

type membership struct {
	req           domain.JoinRequest
	participantID string
	onLost        ports.LossHandler
	cancel        context.CancelFunc
	done          chan struct{}

	mu     sync.Mutex
	latest domain.ConnectionStats
	sample bool
}

func NewTransport(cfg Config, clock ports.Clock, report BreakerReporter, logger *zap.SugaredLogger) *Transport {
	if cfg.Name == "" {
		cfg.Name = "hosted"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxMisses <= 0 {
		cfg.MaxMisses = 3
	}
	if clock == nil {
		clock = ports.SystemClock
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.Attempts
	retryCfg.Retryable = temporary

	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.IsFailure = temporary
	breakerCfg.Now = clock.Now
	breaker := circuitbreaker.New(breakerCfg)

	t := &Transport{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		retry:   retryCfg,
		breaker: breaker,
		clock:   clock,
		logger:  logger.Named("hosted").With("provider", cfg.Name),
	}
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		t.logger.Warnw("provider circuit changed", "from", from.String(), "to", to.String())
		if report != nil {
			report(string(cfg.Name), int(to))
		}
	})
	if report != nil {
		report(string(cfg.Name), int(circuitbreaker.StateClosed))
	}
	return t
}

func temporary(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return !errors.Is(err, context.Canceled)
}

func (t *Transport) Name() domain.ProviderName { return t.cfg.Name }
func (t *Transport) Kind() domain.ProviderKind { return domain.ProviderKindHosted }

// BreakerState exposes the provider circuit for readiness checks.
func (t *Transport) BreakerState() circuitbreaker.State {
	return t.breaker.GetState()
}

type joinRequest struct {
	Identity domain.Identity `json:"identity"`
	Tracks   []trackInfo     `json:"tracks"`
}

type trackInfo struct {
	ID   string           `json:"id"`
	Kind domain.TrackKind `json:"kind"`
}

type joinResponse struct {
	ParticipantID string `json:"participant_id"`
}

type statsResponse struct {
	BandwidthKbps int     `json:"bandwidth_kbps"`
	RTTMillis     float64 `json:"rtt_ms"`
	PacketLoss    float64 `json:"packet_loss"`
	JitterMillis  float64 `json:"jitter_ms"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	FrameRate     float64 `json:"frame_rate"`
	AudioLevel    float64 `json:"audio_level"`
}

// Connect registers the participant in the provider room and starts the
// stats heartbeat.
func (t *Transport) Connect(ctx context.Context, req domain.JoinRequest, media ports.MediaStream, onLost ports.LossHandler) error {
	ctx, span := tracing.TraceTransport(ctx, "connect", string(t.cfg.Name), string(req.SessionID))
	defer span.End()

	t.mu.Lock()
	busy := t.room != nil
	t.mu.Unlock()
	if busy {
		return t.connectError(errors.New("already connected"))
	}

	body := joinRequest{Identity: req.ParticipantName}
	if media != nil {
		for _, track := range media.Tracks() {
			body.Tracks = append(body.Tracks, trackInfo{ID: track.ID(), Kind: track.Kind()})
		}
	}

	resp, err := circuitbreaker.Call(ctx, t.breaker, func(ctx context.Context) (joinResponse, error) {
		return retry.Do(ctx, t.retry, func() (joinResponse, error) {
			var out joinResponse
			err := t.do(ctx, http.MethodPost, t.roomPath(req.RoomID, "participants"), req.Token.Value, body, &out)
			return out, err
		})
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return t.connectError(err)
	}
	if resp.ParticipantID == "" {
		return t.connectError(errors.New("provider returned no participant id"))
	}

	if onLost == nil {
		onLost = func(error) {}
	}
	pollCtx, cancel := context.WithCancel(context.Background())
	m := &membership{
		req:           req,
		participantID: resp.ParticipantID,
		onLost:        onLost,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	t.mu.Lock()
	t.room = m
	t.mu.Unlock()
	go t.heartbeat(pollCtx, m)

	t.logger.Infow("joined hosted room",
		"session_id", req.SessionID,
		"room", req.RoomID,
		"participant_id", resp.ParticipantID,
	)
	return nil
}

// connectError maps rejections (bad token, unknown room) to handshake failures
// and everything else to network failures.
func (t *Transport) connectError(err error) error {
	kind := domain.KindNetworkTransport
	var statusErr *StatusError
	if errors.As(err, &statusErr) && !statusErr.Temporary() {
		kind = domain.KindProviderHandshake
	}
	return &domain.ConnectError{Kind: kind, Provider: t.cfg.Name, Cause: err}
}

func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	m := t.room
	t.room = nil
	t.mu.Unlock()
	if m == nil {
		return nil
	}

	ctx, span := tracing.TraceTransport(ctx, "disconnect", string(t.cfg.Name), string(m.req.SessionID))
	defer span.End()

	m.cancel()
	<-m.done

	err := t.do(ctx, http.MethodDelete, t.roomPath(m.req.RoomID, "participants", m.participantID), m.req.Token.Value, nil, nil)
	var statusErr *StatusError
	if err != nil && !(errors.As(err, &statusErr) && statusErr.Gone()) {
		t.logger.Warnw("leave request failed", "session_id", m.req.SessionID, "error", err)
		return fmt.Errorf("leave hosted room: %w", err)
	}
	t.logger.Infow("left hosted room", "session_id", m.req.SessionID)
	return nil
}

// Stats returns the latest heartbeat sample, fetching one if none exists yet.
func (t *Transport) Stats(ctx context.Context) (domain.ConnectionStats, error) {
	t.mu.Lock()
	m := t.room
	t.mu.Unlock()
	if m == nil {
		return domain.ConnectionStats{}, ErrNotConnected
	}

	m.mu.Lock()
	latest, ok := m.latest, m.sample
	m.mu.Unlock()
	if ok {
		return latest, nil
	}
	return t.poll(ctx, m)
}

func (t *Transport) heartbeat(ctx context.Context, m *membership) {
	defer close(m.done)

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, err := t.poll(ctx, m)
		if err == nil {
			misses = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}

		misses++
		t.logger.Debugw("stats heartbeat failed", "session_id", m.req.SessionID, "misses", misses, "error", err)
		var statusErr *StatusError
		if (errors.As(err, &statusErr) && statusErr.Gone()) || misses >= t.cfg.MaxMisses {
			t.logger.Warnw("hosted room lost", "session_id", m.req.SessionID, "error", err)
			m.onLost(err)
			return
		}
	}
}

func (t *Transport) poll(ctx context.Context, m *membership) (domain.ConnectionStats, error) {
	var out statsResponse
	path := t.roomPath(m.req.RoomID, "participants", m.participantID, "stats")
	if err := t.do(ctx, http.MethodGet, path, m.req.Token.Value, nil, &out); err != nil {
		return domain.ConnectionStats{}, err
	}

	stats := domain.ConnectionStats{
		Timestamp:  t.clock.Now(),
		Bandwidth:  out.BandwidthKbps,
		Latency:    time.Duration(out.RTTMillis * float64(time.Millisecond)),
		PacketLoss: out.PacketLoss,
		Jitter:     time.Duration(out.JitterMillis * float64(time.Millisecond)),
		Resolution: domain.Resolution{Width: out.Width, Height: out.Height},
		FrameRate:  out.FrameRate,
		AudioLevel: out.AudioLevel,
	}
	m.mu.Lock()
	m.latest, m.sample = stats, true
	m.mu.Unlock()
	return stats, nil
}

func (t *Transport) roomPath(room string, parts ...string) string {
	path := t.cfg.BaseURL + "/rooms/" + url.PathEscape(room)
	for _, p := range parts {
		path += "/" + url.PathEscape(p)
	}
	return path
}

func (t *Transport) do(ctx context.Context, method, endpoint, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return retry.Permanent(err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if t.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", t.cfg.APIKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		json.Unmarshal(raw, &apiErr)
		message := apiErr.Message
		if message == "" {
			message = apiErr.Error
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: utils.TruncateString(utils.SanitizeString(message), 200)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
