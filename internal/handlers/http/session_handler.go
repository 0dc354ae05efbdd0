package http

import (
	"errors"
	"net/http"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
	"duocall/internal/core/services"
	"duocall/internal/infrastructure/middleware"
	"duocall/internal/infrastructure/telemetry"
	apperrors "duocall/pkg/errors"
	"duocall/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type SessionHandler struct {
	registry  *Registry
	sessions  ports.SessionRepository
	recorder  *telemetry.Recorder
	clock     ports.Clock
	joinGrace time.Duration
	logger    *zap.SugaredLogger
}

type SessionHandlerDeps struct {
	Registry  *Registry
	Sessions  ports.SessionRepository
	Recorder  *telemetry.Recorder
	Clock     ports.Clock
	JoinGrace time.Duration
	Logger    *zap.SugaredLogger
}

func NewSessionHandler(deps SessionHandlerDeps) *SessionHandler {
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	return &SessionHandler{
		registry:  deps.Registry,
		sessions:  deps.Sessions,
		recorder:  deps.Recorder,
		clock:     deps.Clock,
		joinGrace: deps.JoinGrace,
		logger:    deps.Logger,
	}
}

// SetupRoutes registers the participant API. Every route requires a token
// for the session in the path.
func (h *SessionHandler) SetupRoutes(router gin.IRouter, tokens middleware.TokenValidator) {
	sessions := router.Group("/api/v1/sessions/:id")
	sessions.Use(middleware.AuthMiddleware(tokens), middleware.SessionMemberMiddleware())
	{
		sessions.POST("/join", h.Join)
		sessions.POST("/consent", h.Consent)
		sessions.POST("/device", h.Device)
		sessions.POST("/disclaimer", h.Disclaimer)
		sessions.POST("/reconnect", h.Reconnect)
		sessions.POST("/leave", h.Leave)
		sessions.POST("/media/audio", h.Audio)
		sessions.POST("/media/video", h.Video)
		sessions.GET("", h.Get)
		sessions.GET("/events", h.Events)
	}
}

type sessionView struct {
	services.SessionSnapshot
	Gate           services.JoinGateStatus `json:"gate"`
	ConsentPending bool                    `json:"consent_pending"`
	Initializing   bool                    `json:"initializing"`
	InitError      string                  `json:"init_error,omitempty"`
}

func view(rt *Runtime) sessionView {
	v := sessionView{
		SessionSnapshot: rt.Orchestrator.Snapshot(),
		Gate:            rt.Initializer.Gate().Status(),
		ConsentPending:  rt.Consent.Pending(),
	}
	select {
	case <-rt.Ready():
		if err := rt.Err(); err != nil {
			v.InitError = err.Error()
		}
	default:
		v.Initializing = true
	}
	return v
}

func (h *SessionHandler) runtime(c *gin.Context) (*Runtime, bool) {
	sessionID, identity, ok := middleware.Caller(c)
	if !ok {
		c.Error(apperrors.NewUnauthorizedError("missing caller"))
		return nil, false
	}
	rt, ok := h.registry.Get(sessionID, identity)
	if !ok {
		c.Error(domain.ErrSessionNotFound)
		return nil, false
	}
	return rt, true
}

// Join checks the session record and starts initialization in the
// background. Progress is read back through Get and Events.
func (h *SessionHandler) Join(c *gin.Context) {
	var req struct {
		Provider string                  `json:"provider"`
		Consent  *bool                   `json:"consent"`
		Device   *domain.PlatformSignals `json:"device"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
	}
	if req.Provider != "" {
		if err := validation.ValidateProviderName(req.Provider); err != nil {
			c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
	}

	sessionID, identity, _ := middleware.Caller(c)
	if err := h.admit(c, sessionID, identity); err != nil {
		c.Error(err)
		return
	}

	opts := JoinOptions{
		Preferred: domain.ProviderName(req.Provider),
		Consent:   NewConsentPrompt(),
	}
	if req.Device != nil {
		opts.Device = NewDeviceBoard(*req.Device)
	}
	if req.Consent != nil {
		opts.Consent.Answer(*req.Consent)
	}

	rt, created, err := h.registry.Join(c.Request.Context(), domain.JoinRequest{
		SessionID:       sessionID,
		RoomID:          string(sessionID),
		ParticipantName: identity,
	}, opts)
	if err != nil {
		if errors.Is(err, ErrCapacity) {
			c.Error(apperrors.NewServiceUnavailableError(err.Error()))
			return
		}
		c.Error(err)
		return
	}

	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	} else {
		h.logger.Infow("session join started",
			"session_id", sessionID,
			"identity", identity,
			"provider", req.Provider,
		)
	}
	c.JSON(status, view(rt))
}

func (h *SessionHandler) admit(c *gin.Context, sessionID domain.SessionID, identity domain.Identity) error {
	if h.sessions == nil {
		return nil
	}
	record, err := h.sessions.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		return err
	}
	if !record.HasParticipant(identity) {
		return domain.ErrNotParticipant
	}
	if !record.JoinableAt(h.clock.Now(), h.joinGrace) {
		return domain.ErrOutsideWindow
	}
	return nil
}

func (h *SessionHandler) Consent(c *gin.Context) {
	var req struct {
		Granted *bool `json:"granted" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	rt, ok := h.runtime(c)
	if !ok {
		return
	}
	if err := rt.Consent.Answer(*req.Granted); err != nil {
		c.Error(apperrors.NewConflictError(err.Error()))
		return
	}
	c.JSON(http.StatusOK, view(rt))
}

// Device feeds a new platform reading, e.g. after rotation.
func (h *SessionHandler) Device(c *gin.Context) {
	var signals domain.PlatformSignals
	if err := c.ShouldBindJSON(&signals); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	rt, ok := h.runtime(c)
	if !ok {
		return
	}
	rt.Device.Update(signals)
	c.JSON(http.StatusOK, gin.H{
		"profile": services.GetDeviceProfile(signals),
		"media":   rt.Orchestrator.Capture().State(),
	})
}

func (h *SessionHandler) Disclaimer(c *gin.Context) {
	var req struct {
		JoinNow bool `json:"join_now"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
	}
	rt, ok := h.runtime(c)
	if !ok {
		return
	}
	gate := rt.Initializer.Gate()
	if err := gate.AcceptDisclaimer(); err != nil {
		c.Error(err)
		return
	}
	if req.JoinNow {
		if err := gate.JoinNow(); err != nil {
			c.Error(err)
			return
		}
	}
	c.JSON(http.StatusOK, gate.Status())
}

func (h *SessionHandler) Reconnect(c *gin.Context) {
	rt, ok := h.runtime(c)
	if !ok {
		return
	}
	if err := rt.Orchestrator.Reconnect(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view(rt))
}

func (h *SessionHandler) Leave(c *gin.Context) {
	sessionID, identity, _ := middleware.Caller(c)
	rt, err := h.registry.Leave(c.Request.Context(), sessionID, identity)
	if err != nil {
		c.Error(err)
		return
	}
	h.logger.Infow("session left", "session_id", sessionID, "identity", identity)
	c.JSON(http.StatusOK, rt.Orchestrator.Snapshot())
}

// Audio sets the microphone mute. Without a body it toggles.
func (h *SessionHandler) Audio(c *gin.Context) {
	var req struct {
		Muted *bool `json:"muted"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
	}
	rt, ok := h.runtime(c)
	if !ok {
		return
	}
	capture := rt.Orchestrator.Capture()
	var state domain.MediaSessionState
	if req.Muted == nil {
		state = capture.ToggleAudio()
	} else {
		state = capture.SetAudioMuted(*req.Muted)
	}
	c.JSON(http.StatusOK, state)
}

// Video turns the camera off or on. Without a body it toggles.
func (h *SessionHandler) Video(c *gin.Context) {
	var req struct {
		Off *bool `json:"off"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
	}
	rt, ok := h.runtime(c)
	if !ok {
		return
	}
	capture := rt.Orchestrator.Capture()
	var state domain.MediaSessionState
	if req.Off == nil {
		state = capture.ToggleVideo()
	} else {
		state = capture.SetVideoOff(*req.Off)
	}
	c.JSON(http.StatusOK, state)
}

func (h *SessionHandler) Get(c *gin.Context) {
	rt, ok := h.runtime(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, view(rt))
}

// Events returns the recent events of the session. They outlive the runtime
// so a client can read why a session ended.
func (h *SessionHandler) Events(c *gin.Context) {
	if h.recorder == nil {
		c.Error(apperrors.NewServiceUnavailableError("event history disabled"))
		return
	}
	sessionID, _, _ := middleware.Caller(c)
	events := h.recorder.Events(sessionID)
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"events":     events,
		"count":      len(events),
	})
}
