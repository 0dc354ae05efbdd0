package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"duocall/internal/core/services"
	"duocall/internal/infrastructure/middleware"
	"duocall/internal/infrastructure/monitoring"
	relay "duocall/internal/infrastructure/signal"
	"duocall/pkg/config"
	"duocall/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/duocall/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tokens := services.NewTokenService(services.TokenServiceConfig{
		Secret: cfg.Auth.JWTSecret,
		Issuer: cfg.Auth.Issuer,
	}, nil, nil)

	serverCfg := relay.DefaultServerConfig()
	serverCfg.PingInterval = cfg.Signal.PingInterval
	serverCfg.PongTimeout = cfg.Signal.PongTimeout
	serverCfg.AllowedOrigins = cfg.Auth.AllowedOrigins
	if cfg.RateLimiting.Enabled {
		serverCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		serverCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	if cfg.RateLimiting.WebSocket.MaxMessageSizeBytes > 0 {
		serverCfg.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}

	registry := prometheus.NewRegistry()
	server := relay.NewServer(serverCfg, tokens, registry, log)

	checker := monitoring.NewHealthChecker()
	checker.AddCapacityCheck("connections", server.ConnectionCount, 0)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))

	router.GET("/ws", middleware.NewConnectionRateLimitMiddleware(cfg), gin.WrapF(server.HandleWebSocket))
	router.GET("/health", func(c *gin.Context) {
		status := checker.CheckAll(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"status":      status.Status,
			"connections": server.ConnectionCount(),
			"rooms":       server.RoomCount(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	srv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling relay", "address", cfg.Signal.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("relay failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()

	// close websockets first; http.Server.Shutdown does not track hijacked connections
	if err := server.Shutdown(ctx); err != nil {
		log.Errorw("error closing relay connections", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
	}
	log.Info("signaling relay stopped")
}
