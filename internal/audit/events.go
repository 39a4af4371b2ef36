// Package audit provides audit event emission for the authorization server.
//
// Purpose:
//   This package defines the audit event structure and provides an interface
//   for emitting audit events. A Kafka producer handles production traffic;
//   a logger-based emitter covers development, and a noop emitter covers
//   tests and deployments without a broker.
//
// Dependencies:
//   - github.com/google/uuid: UUID generation for event IDs
//   - github.com/rs/zerolog: Structured logging emitter
//   - github.com/segmentio/kafka-go: Kafka producer emitter
//
// Key Responsibilities:
//   - Event struct defines the audit event schema
//   - Emitter interface abstracts Kafka vs logger implementations
//   - LoggerEmitter logs events as structured JSON
//   - KafkaEmitter produces to the configured audit topic
//
// Debugging Notes:
//   - Events include auth_method, api_id, client_id and user_id for traceability
//   - Hash field allows downstream tamper detection
//   - Emission is best-effort: flows never fail because audit failed
//
// Thread Safety:
//   - Emitter implementations must be safe for concurrent use
//
// Error Handling:
//   - Emit methods return errors for production monitoring only;
//     callers log and continue
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event represents one audit event. All state-mutating operations and every
// token issuance emit one.
type Event struct {
	EventID    uuid.UUID      `json:"event_id"`
	AuthMethod string         `json:"auth_method,omitempty"`
	UserID     string         `json:"user_id,omitempty"` // portal user id, if known
	Action     string         `json:"action"`            // "login.success", "token.issue", etc.
	APIID      string         `json:"api_id,omitempty"`
	ClientID   string         `json:"client_id,omitempty"`
	GrantType  string         `json:"grant_type,omitempty"`
	Resource   string         `json:"resource,omitempty"` // request method + path
	IPAddress  string         `json:"ip_address,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Hash       string         `json:"hash"` // SHA256 of event payload (for tamper detection)
	CreatedAt  time.Time      `json:"created_at"`
}

// Emitter defines the interface for audit event emission.
// Implementations can use Kafka, logger, or other backends.
type Emitter interface {
	// Emit sends an audit event.
	// Returns an error if emission fails (for monitoring/alerting).
	Emit(ctx context.Context, event Event) error
}

// LoggerEmitter logs audit events as structured JSON. Used in development
// and whenever no Kafka brokers are configured.
type LoggerEmitter struct {
	logger zerolog.Logger
}

// NewLoggerEmitter creates a logger-based audit emitter.
func NewLoggerEmitter(logger zerolog.Logger) *LoggerEmitter {
	return &LoggerEmitter{logger: logger.With().Str("component", "audit").Logger()}
}

// Emit logs the audit event. Never fails.
func (e *LoggerEmitter) Emit(ctx context.Context, event Event) error {
	e.logger.Info().
		Str("event_id", event.EventID.String()).
		Str("action", event.Action).
		Str("auth_method", event.AuthMethod).
		Str("user_id", event.UserID).
		Str("api_id", event.APIID).
		Str("client_id", event.ClientID).
		Interface("metadata", event.Metadata).
		Msg("audit event")
	return nil
}

// NoopEmitter discards all events. Useful for tests.
type NoopEmitter struct{}

// NewNoopEmitter creates a no-op audit emitter.
func NewNoopEmitter() *NoopEmitter {
	return &NoopEmitter{}
}

// Emit discards the event (no-op).
func (e *NoopEmitter) Emit(ctx context.Context, event Event) error {
	return nil
}

// BuildEvent constructs an audit event from common parameters.
// Automatically generates event ID, hash, and timestamp.
func BuildEvent(authMethod, action, userID string) Event {
	event := Event{
		EventID:    uuid.New(),
		AuthMethod: authMethod,
		Action:     action,
		UserID:     userID,
		CreatedAt:  time.Now().UTC(),
	}
	event.Hash = computeEventHash(event)
	return event
}

// BuildEventFromRequest enriches an audit event with HTTP request metadata.
func BuildEventFromRequest(event Event, r *http.Request) Event {
	event.IPAddress = getClientIP(r)
	event.UserAgent = r.Header.Get("User-Agent")
	if event.Resource == "" {
		event.Resource = r.Method + " " + r.URL.Path
	}
	event.Hash = computeEventHash(event)
	return event
}

// computeEventHash computes the SHA256 hash of the event payload, excluding
// the hash field itself.
func computeEventHash(event Event) string {
	eventCopy := event
	eventCopy.Hash = ""

	payload, err := json.Marshal(eventCopy)
	if err != nil {
		payload = []byte(fmt.Sprintf("%+v", eventCopy))
	}

	hash := sha256.Sum256(payload)
	return hex.EncodeToString(hash[:])
}

// getClientIP extracts the client IP from the request, handling proxies.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}

// Common action constants for consistency.
const (
	ActionLoginSuccess        = "login.success"
	ActionLoginFailure        = "login.failure"
	ActionLogout              = "logout"
	ActionTokenIssue          = "token.issue"
	ActionTokenRefresh        = "token.refresh"
	ActionConsentAllow        = "consent.allow"
	ActionConsentDeny         = "consent.deny"
	ActionRegistrationCreate  = "registration.create"
	ActionGrantRevoke         = "grant.revoke"
	ActionVerificationCreate  = "verification.create"
	ActionVerificationConfirm = "verification.confirm"
)
