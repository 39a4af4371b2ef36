// Command portal-auth is the OAuth2 authorization server that fronts the API
// gateway. It authenticates end users against the configured auth methods,
// drives the authorize and token flows, and delegates token minting to the
// gateway. Profiles and sessions live in Redis, user and application data
// come from the portal API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/apigrid/portal-auth/internal/bootstrap"
	"github.com/apigrid/portal-auth/internal/config"
	"github.com/apigrid/portal-auth/internal/httpapi/auth"
	"github.com/apigrid/portal-auth/internal/logging"
	"github.com/apigrid/portal-auth/internal/server"
)

func main() {
	cfg := config.MustLoad()
	logger := logging.New(cfg.ServiceName, cfg.LogLevel, cfg.LogPretty)
	logger.Info().
		Str("env", cfg.Environment).
		Int("port", cfg.HTTPPort).
		Str("base_path", cfg.BasePath).
		Msg("starting authorization server")

	ctx := context.Background()
	runtime, err := bootstrap.Initialize(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to bootstrap runtime")
	}
	logger.Info().
		Strs("auth_methods", runtime.IdPs.Names()).
		Msg("runtime dependencies initialized")

	srv := server.New(server.Options{
		Port:        cfg.HTTPPort,
		Logger:      logger,
		ServiceName: cfg.ServiceName,
		Readiness:   runtime.ReadinessProbe,
		RegisterRoutes: func(r chi.Router) {
			auth.RegisterRoutes(r, runtime, logger)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("authorization server failed")
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		os.Exit(1)
	}
	if err := runtime.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to cleanly close runtime")
	}

	logger.Info().Msg("authorization server stopped")
}
