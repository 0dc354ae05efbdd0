package main

import (
	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
	"duocall/internal/core/services"
	httphandlers "duocall/internal/handlers/http"
	"duocall/internal/infrastructure/capture"
	"duocall/internal/infrastructure/hosted"
	webrtcinfra "duocall/internal/infrastructure/webrtc"
	"duocall/pkg/config"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type runtimeDeps struct {
	tokens      ports.TokenIssuer
	permissions ports.PermissionCache
	sink        ports.EventSink
	breakers    hosted.BreakerReporter
	clock       ports.Clock
	logger      *zap.SugaredLogger
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	if len(cfg.WebRTC.ICEServers) == 0 {
		return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	servers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

// buildTransports creates one instance of every configured provider. A
// transport carries a single connection, so each session gets its own set.
func buildTransports(cfg *config.Config, deps runtimeDeps, logger *zap.SugaredLogger) ([]ports.Transport, error) {
	webrtcConfig := webrtcinfra.WebRTCConfig{
		ICEServers: iceServers(cfg),
		MaxBitrate: cfg.WebRTC.MaxBitrate,
	}
	webrtcConfig.PortRange.Min = cfg.WebRTC.PortRange.Min
	webrtcConfig.PortRange.Max = cfg.WebRTC.PortRange.Max

	transports := make([]ports.Transport, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		switch p.Kind {
		case string(domain.ProviderKindP2P):
			t, err := webrtcinfra.NewP2PTransport(webrtcinfra.P2PConfig{
				Name:             domain.ProviderName(p.Name),
				SignalURL:        cfg.Signal.URL,
				WebRTC:           webrtcConfig,
				HandshakeTimeout: p.Timeout,
			}, nil, deps.clock, logger)
			if err != nil {
				return nil, err
			}
			transports = append(transports, t)
		case string(domain.ProviderKindHosted):
			transports = append(transports, hosted.NewTransport(hosted.Config{
				Name:    domain.ProviderName(p.Name),
				BaseURL: p.BaseURL,
				APIKey:  p.APIKey,
				Timeout: p.Timeout,
			}, deps.clock, deps.breakers, logger))
		}
	}
	return transports, nil
}

func newRuntimeFactory(cfg *config.Config, deps runtimeDeps) httphandlers.RuntimeFactory {
	candidates := make([]domain.ProviderName, len(cfg.Session.Candidates))
	for i, name := range cfg.Session.Candidates {
		candidates[i] = domain.ProviderName(name)
	}

	return func(req domain.JoinRequest, opts httphandlers.JoinOptions) (*services.Orchestrator, *services.FastInitializer, error) {
		logger := deps.logger.With("session_id", req.SessionID, "identity", req.ParticipantName)

		transports, err := buildTransports(cfg, deps, logger)
		if err != nil {
			return nil, nil, err
		}

		captureManager := services.NewCaptureManager(
			capture.NewDevice(capture.SyntheticFactory, logger),
			cfg.Session.AllowAudioOnly,
			logger,
		)
		monitor := services.NewQualityMonitor(services.NewQualityService(), captureManager, services.QualityMonitorConfig{
			Interval:          cfg.Quality.SampleInterval,
			UpgradeAfter:      cfg.Quality.UpgradeAfter,
			FailoverAfter:     cfg.Quality.FailoverAfter,
			MinAdjustInterval: cfg.Quality.MinAdjustInterval,
		}, deps.clock, logger)

		orchestrator, err := services.NewOrchestrator(services.OrchestratorConfig{
			SessionID:         req.SessionID,
			Identity:          req.ParticipantName,
			RoomID:            req.RoomID,
			Candidates:        candidates,
			MaxRetries:        cfg.Session.MaxRetries,
			ConnectTimeout:    cfg.Session.ConnectTimeout,
			MediaTimeout:      cfg.Session.MediaTimeout,
			DisconnectTimeout: cfg.Session.DisconnectTimeout,
			AutoReconnect:     cfg.Session.AutoReconnect,
		}, services.OrchestratorDeps{
			Capture:    captureManager,
			Monitor:    monitor,
			Transports: transports,
			Tokens:     deps.tokens,
			Signals:    opts.Device,
			Sink:       deps.sink,
			Clock:      deps.clock,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, err
		}

		preferred := opts.Preferred
		if preferred == "" {
			preferred = domain.ProviderName(cfg.Initializer.PreferredProvider)
		}
		initializer := services.NewFastInitializer(services.InitializerConfig{
			PreferredProvider: preferred,
			PermissionTimeout: cfg.Initializer.PermissionTimeout,
			PrewarmTimeout:    cfg.Initializer.PrewarmTimeout,
		}, services.InitializerDeps{
			Orchestrator: orchestrator,
			Gate:         services.NewJoinGate(cfg.Initializer.AutoJoinAfter),
			Permissions:  deps.permissions,
			Prompter:     opts.Consent,
			Transports:   transports,
			Signals:      opts.Device,
			Sink:         deps.sink,
			Clock:        deps.clock,
			Logger:       logger,
		})
		return orchestrator, initializer, nil
	}
}
