package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dennisdiepolder/officehours/backend/internal/config"
	"github.com/dennisdiepolder/officehours/backend/internal/metrics"
	"github.com/dennisdiepolder/officehours/backend/internal/token"
	"github.com/dennisdiepolder/officehours/backend/internal/websocket"
	"github.com/dennisdiepolder/officehours/backend/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.WSSharedSecret == "" {
		log.Warn().Msg("WS_SHARED_SECRET not set, connections and emits will be refused")
	}
	log.Info().
		Str("port", cfg.RelayPort).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Dur("ping_interval", cfg.PingPeriod).
		Int64("max_payload", cfg.MaxPayloadSize).
		Msg("starting push relay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := websocket.NewHub(log.Logger)
	srv := &http.Server{
		Addr:         ":" + cfg.RelayPort,
		Handler:      newRouter(cfg, hub, log.Logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Msgf("relay listening on :%s", cfg.RelayPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down relay...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("relay stopped with error")
		return
	}
	log.Info().Msg("relay stopped")
}

func newRouter(cfg *config.Config, hub *websocket.Hub, logger zerolog.Logger) chi.Router {
	verifier := token.NewVerifier(cfg.WSSharedSecret, cfg.TokenTTL, cfg.TokenSkew)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", websocket.HealthHandler(hub))
	r.Get("/metrics", metrics.Get().Handler())
	r.Post("/emit", websocket.NewEmitHandler(hub, cfg, logger).ServeHTTP)
	r.Get("/ws", websocket.NewHandler(hub, verifier, cfg, logger).ServeHTTP)
	// socket path advertised to browser clients
	if cfg.WSSocketPath != "" && cfg.WSSocketPath != "/ws" {
		r.Get(cfg.WSSocketPath, websocket.NewHandler(hub, verifier, cfg, logger).ServeHTTP)
	}
	return r
}
