// Package bootstrap provides centralized initialization and lifecycle
// management for the authorization server's dependencies: Redis, the session
// and profile stores, the portal and gateway clients, the identity provider
// registry and the audit emitter.
//
// Purpose:
//
//	The package wires the runtime in one place so the binary stays a thin
//	shell: config in, fully connected Runtime out. Initialization order is
//	Redis → stores → upstream clients → IdP registry → audit, and Close
//	releases resources in reverse.
//
// Key Responsibilities:
//   - Initialize connects Redis (fail fast ping), builds the stores and
//     clients and constructs one IdP adapter per configured auth method
//   - ReadinessProbe checks Redis and the portal API for /readyz
//   - Close releases Redis and the Kafka emitter
//
// Error Handling:
//   - Initialization errors are wrapped with the dependency name
//   - A missing Kafka configuration is not an error; audit falls back to
//     the structured log
package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/apigrid/portal-auth/internal/audit"
	"github.com/apigrid/portal-auth/internal/config"
	"github.com/apigrid/portal-auth/internal/gateway"
	"github.com/apigrid/portal-auth/internal/idp"
	"github.com/apigrid/portal-auth/internal/oauth"
	"github.com/apigrid/portal-auth/internal/portal"
	"github.com/apigrid/portal-auth/internal/profile"
	"github.com/apigrid/portal-auth/internal/security"
	"github.com/apigrid/portal-auth/internal/session"
)

// Runtime bundles the initialized dependencies. All fields are populated
// during Initialize and remain valid until Close.
type Runtime struct {
	Config   *config.Config
	Redis    *redis.Client
	Sessions *session.Manager
	Profiles *profile.Store
	Portal   *portal.Client
	Gateway  *gateway.Client
	Scopes   *oauth.ScopeClient
	IdPs     *idp.Registry
	Audit    audit.Emitter
}

// Initialize wires the runtime from configuration. The returned Runtime must
// be closed during shutdown.
func Initialize(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg}

	rt.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rt.Redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	sessionStore := session.NewRedisStore(rt.Redis, "portal-auth:session:", cfg.SessionDuration())
	signer := security.NewCookieSigner(cfg.SessionSecret)
	rt.Sessions = session.NewManager(sessionStore, signer, cfg.SessionDuration(), cfg.SecureCookies(), logger)
	rt.Profiles = profile.NewStore(rt.Redis, "portal-auth:profile:", cfg.SessionDuration())

	rt.Portal = portal.NewClient(cfg.PortalAPIURL, cfg.UpstreamTimeout(), logger)
	rt.Gateway = gateway.NewClient(cfg.GatewayURL, cfg.UpstreamTimeout(), logger)
	rt.Scopes = oauth.NewScopeClient(cfg.UpstreamTimeout(), logger)

	registry, err := idp.Build(ctx, cfg.AuthMethods, idp.Deps{
		Portal:      rt.Portal,
		Sessions:    rt.Sessions,
		ExternalURL: strings.TrimRight(cfg.ExternalURL, "/"),
		BasePath:    cfg.BasePath,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap idp registry: %w", err)
	}
	rt.IdPs = registry

	if cfg.KafkaBrokers != "" {
		brokers := strings.Split(cfg.KafkaBrokers, ",")
		rt.Audit = audit.NewKafkaEmitter(brokers, cfg.KafkaAuditTopic, cfg.KafkaClientID, logger)
		logger.Info().Str("topic", cfg.KafkaAuditTopic).Msg("audit events go to kafka")
	} else {
		rt.Audit = audit.NewLoggerEmitter(logger)
		logger.Info().Msg("kafka not configured, audit events go to the log")
	}

	return rt, nil
}

// Close releases runtime resources in reverse initialization order. Returns
// the first error encountered but keeps closing.
func (rt *Runtime) Close(context.Context) error {
	if rt == nil {
		return nil
	}
	var firstErr error
	if kafkaEmitter, ok := rt.Audit.(*audit.KafkaEmitter); ok {
		if err := kafkaEmitter.Close(); err != nil {
			firstErr = err
		}
	}
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReadinessProbe checks the critical dependencies for /readyz. The caller
// bounds the context, typically to a second or two.
func (rt *Runtime) ReadinessProbe(ctx context.Context) error {
	if err := rt.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis not ready: %w", err)
	}
	if err := rt.Portal.Ping(ctx); err != nil {
		return fmt.Errorf("portal api not ready: %w", err)
	}
	return nil
}
