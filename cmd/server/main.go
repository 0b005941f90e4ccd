package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/wa-session-broker/internal/config"
	"github.com/openclaw/wa-session-broker/internal/handler"
	"github.com/openclaw/wa-session-broker/internal/jobs"
	"github.com/openclaw/wa-session-broker/internal/middleware"
	"github.com/openclaw/wa-session-broker/internal/notify"
	"github.com/openclaw/wa-session-broker/internal/protocol/whatsapp"
	"github.com/openclaw/wa-session-broker/internal/redis"
	"github.com/openclaw/wa-session-broker/internal/repository"
	"github.com/openclaw/wa-session-broker/internal/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	setLogLevel(cfg.LogLevel)

	var redisClient *redis.Client
	var publisher notify.Publisher
	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		publisher = redisClient
		log.Info().Msg("redis connected")
	}

	hub := notify.NewHub(publisher)
	defer hub.Close()

	snapshotRepo, err := repository.NewSnapshotRepository(cfg.SessionsDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.SessionsDir).Msg("failed to open sessions directory")
	}

	dialer := whatsapp.NewDialer(whatsapp.DialerConfig{
		ProxyURL:   cfg.ProxyURL,
		DeviceName: cfg.DeviceName,
		Logger:     log.Logger,
	})

	sessionService := service.NewSessionService(dialer, snapshotRepo, hub, service.OptionsFromConfig(cfg))
	if redisClient != nil {
		sessionService.SetPairingLimiter(service.NewPairingLimiter(
			service.NewRateLimiter(redisClient.Client), cfg.PairingRateLimit, cfg.PairingRateWindow(),
		))
	}

	log.Info().
		Str("sessionsDir", cfg.SessionsDir).
		Int("maxSessions", cfg.MaxSessions).
		Str("proxy", cfg.RedactedProxyURL()).
		Msg("session broker configured")

	resumeCtx, resumeCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	resumed, err := sessionService.ResumePersisted(resumeCtx)
	resumeCancel()
	if err != nil {
		log.Error().Err(err).Msg("failed to resume persisted sessions")
	} else {
		log.Info().Int("count", resumed).Msg("resumed persisted sessions")
	}

	sweepJob := jobs.NewIdleSweepJob(sessionService, config.IdleSweepInterval)
	sweepJob.Start()

	opsAuth := middleware.NewOpsAuthMiddleware(cfg.OpsTokenHash)
	securityHeaders := middleware.NewSecurityHeadersMiddleware(cfg.EnableHSTS)

	healthHandler := handler.NewHealthHandler(sessionService, hub)
	sessionHandler := handler.NewSessionHandler(sessionService)
	eventsHandler := handler.NewEventsHandler(hub, config.SSEHeartbeatInterval)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeaders.Handler)

	r.Get("/health", healthHandler.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(opsAuth.Handler)

		// Event streams outlive the request timeout.
		r.Get("/events/{phone}", eventsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Get("/stats", sessionHandler.Stats)
			r.Mount("/sessions", sessionHandler.Routes())
		})
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	sweepJob.Stop()

	// Closing the hub ends open event streams so the HTTP shutdown can finish.
	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	if err := sessionService.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("sessions did not stop cleanly")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
