// Package config provides environment variable-based configuration loading.
//
// Purpose:
//
//	This package defines the authorization server configuration structure and
//	provides functions to load it from environment variables using envconfig.
//	The configuration is immutable after loading; every component receives the
//	values it needs at construction time instead of reading global state.
//
// Dependencies:
//   - github.com/kelseyhightower/envconfig: Environment variable parsing
//
// Key Responsibilities:
//   - Config struct defines all service configuration fields
//   - AuthMethod describes one configured identity provider mount
//   - Load reads and validates environment variables, parses AUTH_METHODS
//   - MustLoad exits the process if configuration is invalid
//
// Debugging Notes:
//   - Required fields: PORTAL_API_URL, GATEWAY_URL, EXTERNAL_URL, SESSION_SECRET
//   - SESSION_SECRET must be at least 32 bytes; there is no default on purpose
//   - AUTH_METHODS is a JSON array: [{"name":"local","type":"local","enabled":true}]
//   - Redis is required (session and profile stores live there)
//
// Thread Safety:
//   - Config struct is read-only after loading (safe for concurrent read access)
//
// Error Handling:
//   - Load returns wrapped errors from envconfig.Process and AUTH_METHODS parsing
//   - MustLoad writes to stderr and exits on error
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AuthMethod describes one identity provider mounted under /{name}.
// The Config map carries provider-specific settings; the keys each provider
// type understands are documented on its implementation.
type AuthMethod struct {
	Name    string            `json:"name"`
	Type    string            `json:"type"`
	Enabled bool              `json:"enabled"`
	Config  map[string]string `json:"config,omitempty"`
}

// Config represents runtime configuration for the authorization server.
// All fields are populated from environment variables with defaults where
// specified. Required fields must be set or Load/MustLoad will return an error.
type Config struct {
	// ServiceName is emitted in logs and metrics.
	ServiceName string `envconfig:"SERVICE_NAME" default:"portal-auth"`
	// HTTPPort is the port the HTTP server listens on.
	HTTPPort int `envconfig:"HTTP_PORT" default:"3010"`
	// LogLevel controls zerolog global level (debug, info, warn, error).
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	// LogPretty switches to human-readable console output instead of JSON.
	LogPretty bool `envconfig:"LOG_PRETTY" default:"false"`
	// Environment describes the current deployment environment (dev, staging, prod, etc.).
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	// PortalAPIURL is the base URL of the portal API that owns users,
	// applications, subscriptions, registrations, grants and verifications.
	PortalAPIURL string `envconfig:"PORTAL_API_URL" required:"true"`
	// GatewayURL is the base URL of the upstream gateway that mints tokens.
	GatewayURL string `envconfig:"GATEWAY_URL" required:"true"`
	// ExternalURL is the public base URL of this authorization server, used to
	// build redirect URIs handed to federated IdPs and shown on the index page.
	ExternalURL string `envconfig:"EXTERNAL_URL" required:"true"`
	// NetworkSchema is the deployment's outward schema (http or https). It
	// controls the Secure cookie flag and X-Forwarded-Proto injection on
	// gateway calls behind TLS termination.
	NetworkSchema string `envconfig:"NETWORK_SCHEMA" default:"https"`
	// BasePath is prepended to every route when the server is mounted below
	// the domain root (e.g. "/auth").
	BasePath string `envconfig:"BASE_PATH" default:""`

	// RedisHost, RedisPort and RedisPassword locate the Redis instance backing
	// the session and profile stores.
	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	// RedisDB selects the logical Redis database index.
	RedisDB int `envconfig:"REDIS_DB" default:"0"`

	// SessionMinutes is the lifetime of the browser session and of every
	// profile store entry, in minutes.
	SessionMinutes int `envconfig:"AUTH_SERVER_SESSION_MINUTES" default:"60"`
	// SessionSecret signs the session cookie. Required, never defaulted.
	SessionSecret string `envconfig:"SESSION_SECRET" required:"true"`

	// AuthMethodsJSON is the raw AUTH_METHODS value; use AuthMethods after Load.
	AuthMethodsJSON string `envconfig:"AUTH_METHODS" default:"[]"`

	// UpstreamTimeoutSeconds bounds every portal API, gateway and external
	// scope call.
	UpstreamTimeoutSeconds int `envconfig:"UPSTREAM_TIMEOUT_SECONDS" default:"5"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses.
	// If empty, audit events are logged instead of sent to Kafka.
	KafkaBrokers string `envconfig:"KAFKA_BROKERS" default:""`
	// KafkaAuditTopic is the Kafka topic name for audit events.
	KafkaAuditTopic string `envconfig:"KAFKA_AUDIT_TOPIC" default:"portal-auth.audit"`
	// KafkaClientID is the client ID used when connecting to Kafka.
	KafkaClientID string `envconfig:"KAFKA_CLIENT_ID" default:"portal-auth"`

	// AuthMethods is parsed from AuthMethodsJSON during Load.
	AuthMethods []AuthMethod `envconfig:"-"`
}

// Load reads environment variables into Config, applying defaults where
// necessary, and parses the AUTH_METHODS definition.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: process env: %w", err)
	}
	if len(cfg.SessionSecret) < 32 {
		return nil, fmt.Errorf("config: SESSION_SECRET must be at least 32 bytes, got %d", len(cfg.SessionSecret))
	}
	if cfg.NetworkSchema != "http" && cfg.NetworkSchema != "https" {
		return nil, fmt.Errorf("config: NETWORK_SCHEMA must be http or https, got %q", cfg.NetworkSchema)
	}
	if err := json.Unmarshal([]byte(cfg.AuthMethodsJSON), &cfg.AuthMethods); err != nil {
		return nil, fmt.Errorf("config: parse AUTH_METHODS: %w", err)
	}
	for i, am := range cfg.AuthMethods {
		if am.Name == "" || am.Type == "" {
			return nil, fmt.Errorf("config: AUTH_METHODS[%d] needs both name and type", i)
		}
	}
	return &cfg, nil
}

// MustLoad returns Config or exits the process.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// RedisAddr returns the host:port address of the configured Redis instance.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// SessionDuration returns the session lifetime as a time.Duration.
func (c *Config) SessionDuration() time.Duration {
	return time.Duration(c.SessionMinutes) * time.Minute
}

// UpstreamTimeout returns the per-call upstream timeout as a time.Duration.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

// SecureCookies reports whether cookies should carry the Secure flag.
func (c *Config) SecureCookies() bool {
	return c.NetworkSchema == "https"
}
