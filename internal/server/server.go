// Package server builds the HTTP shell around the OAuth2 surface: chi
// router, request logging, health and readiness probes and the Prometheus
// metrics endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// responseWriter wraps http.ResponseWriter to capture the status code for
// the request log.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Options configure the HTTP server instance.
type Options struct {
	Port           int
	Logger         zerolog.Logger
	ServiceName    string
	Readiness      func(context.Context) error
	RegisterRoutes func(chi.Router)
}

// New constructs an http.Server pre-configured with health, readiness and
// metrics routes. The caller owns ListenAndServe and Shutdown.
func New(opts Options) *http.Server {
	if opts.Readiness == nil {
		opts.Readiness = func(context.Context) error { return nil }
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(opts.Logger))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := opts.Readiness(ctx); err != nil {
			opts.Logger.Warn().Err(err).Msg("readiness check failed")
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	router.Get("/metrics", promhttp.Handler().ServeHTTP)

	if opts.RegisterRoutes != nil {
		opts.RegisterRoutes(router)
	}

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}
}

// requestLogger emits one structured line per completed request. The probe
// endpoints are skipped to keep the log useful.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.statusCode).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote_addr", r.RemoteAddr).
				Msg("request completed")
		})
	}
}
