package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"duocall/internal/core/ports"
	"duocall/internal/core/services"
	httphandlers "duocall/internal/handlers/http"
	"duocall/internal/infrastructure/middleware"
	"duocall/internal/infrastructure/monitoring"
	"duocall/internal/infrastructure/repositories"
	"duocall/internal/infrastructure/repositories/memory"
	"duocall/internal/infrastructure/telemetry"
	"duocall/internal/infrastructure/token"
	"duocall/pkg/config"
	"duocall/pkg/distributed"
	"duocall/pkg/logger"
	"duocall/pkg/tracing"
	"duocall/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
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
	if err != nil {
		log.Warnw("using default configuration", "error", err)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "duocall",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := ports.SystemClock

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	defer repoFactory.Close()

	permissions := repoFactory.CreatePermissionCache(cfg.Initializer.PermissionTTL, clock)
	if cache, ok := permissions.(*memory.PermissionCache); ok {
		go cache.RunCleanup(ctx, cfg.Initializer.PermissionTTL)
	}

	// Session records come from the scheduling backend through Redis. Without
	// it there is nothing to check joins against.
	var sessions ports.SessionRepository
	if repoFactory.RedisClient() != nil {
		sessions = repoFactory.CreateSessionRepository()
	} else {
		log.Warn("no session store configured, joins are not checked against session records")
	}

	// API and relay tokens are always validated locally with the shared secret.
	localTokens := services.NewTokenService(services.TokenServiceConfig{
		Secret:    cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.Issuer,
		TTL:       cfg.Auth.TokenTTL,
		JoinGrace: cfg.Session.JoinGrace,
	}, sessions, clock)

	var issuer ports.TokenIssuer = localTokens
	if cfg.Token.Mode == "remote" {
		log.Infow("using remote token issuer", "url", cfg.Token.URL, "api_key", utils.MaskSensitive(cfg.Token.APIKey, 4))
		issuer = token.NewHTTPIssuer(token.HTTPIssuerConfig{
			URL:      cfg.Token.URL,
			APIKey:   cfg.Token.APIKey,
			Timeout:  cfg.Token.Timeout,
			Attempts: cfg.Token.Attempts,
		}, clock, log)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)

	recorder := telemetry.NewRecorder(200)
	sink := telemetry.Fanout{telemetry.NewLogSink(log), recorder}
	if cfg.Monitoring.PrometheusEnabled {
		sink = append(sink, collector)
	}
	instanceID := uuid.NewString()
	if client := repoFactory.RedisClient(); client != nil {
		publisher := telemetry.NewEventPublisher(client, cfg.Redis.EventsChannel, instanceID, 1024, log)
		go publisher.Run(ctx)
		sink = append(sink, publisher)
	}

	runtimes := httphandlers.NewRegistry(newRuntimeFactory(cfg, runtimeDeps{
		tokens:      issuer,
		permissions: permissions,
		sink:        sink,
		breakers:    collector.RecordBreakerState,
		clock:       clock,
		logger:      log,
	}), cfg.Session.MaxSessions, log)
	if client := repoFactory.RedisClient(); client != nil {
		runtimes.UseClaims(distributed.NewLeaseManager(client, "duocall:lease:", instanceID, 30*time.Second))
	}

	checker := monitoring.NewHealthChecker()
	if client := repoFactory.RedisClient(); client != nil {
		checker.AddRedisCheck(client, 2*time.Second)
	}
	checker.AddCapacityCheck("sessions", runtimes.Count, cfg.Session.MaxSessions)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.LoggingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	httphandlers.NewHealthHandler(checker, registry).SetupRoutes(router)
	httphandlers.NewTokenHandler(localTokens, log).SetupRoutes(router, cfg.Auth.ServiceKey)
	httphandlers.NewSessionHandler(httphandlers.SessionHandlerDeps{
		Registry:  runtimes,
		Sessions:  sessions,
		Recorder:  recorder,
		Clock:     clock,
		JoinGrace: cfg.Session.JoinGrace,
		Logger:    log,
	}).SetupRoutes(router, localTokens)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting duocall agent",
			"address", cfg.Server.Address,
			"providers", cfg.Session.Candidates,
			"token_mode", cfg.Token.Mode,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	// end sessions before their sinks and stores go away
	runtimes.Shutdown(shutdownCtx)
	cancel()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}
	log.Info("duocall agent stopped")
}
