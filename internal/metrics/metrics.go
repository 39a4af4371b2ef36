// Package metrics provides Prometheus metrics collectors for the authorization server.
//
// Purpose:
//
//	This package defines and exports Prometheus metrics for the OAuth2 flows,
//	end-user logins, and calls to upstream collaborators (portal API, gateway,
//	passthrough scope services). Metrics are registered globally and exposed
//	via the /metrics endpoint.
//
// Dependencies:
//   - github.com/prometheus/client_golang/prometheus: Prometheus Go client
//
// Key Responsibilities:
//   - Define metric collectors (counters, histograms)
//   - Register metrics with the default Prometheus registry
//   - Provide helper functions to record metric values
//
// Usage:
//
//	Metrics are automatically registered when the package is imported.
//	Use the exported functions to record metric values:
//	  metrics.RecordLogin("local", "success")
//	  metrics.RecordTokenIssued("authorization_code", "failure")
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "portal_auth"
)

var (
	// AuthorizeFlowsTotal counts authorize flow completions by auth method,
	// response type and result.
	AuthorizeFlowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oauth2",
			Name:      "authorize_flows_total",
			Help:      "Total number of authorize flow completions by auth method, response type and result",
		},
		[]string{"auth_method", "response_type", "result"}, // result: success, failure
	)

	// TokensIssuedTotal counts token endpoint completions by grant type and result.
	TokensIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oauth2",
			Name:      "tokens_issued_total",
			Help:      "Total number of token endpoint completions by grant type and result",
		},
		[]string{"grant_type", "result"},
	)

	// LoginsTotal counts end-user login attempts by auth method and result.
	LoginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "login",
			Name:      "attempts_total",
			Help:      "Total number of end-user login attempts by auth method and result",
		},
		[]string{"auth_method", "result"},
	)

	// ConsentDecisionsTotal counts scope consent decisions.
	ConsentDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oauth2",
			Name:      "consent_decisions_total",
			Help:      "Total number of scope consent decisions by outcome",
		},
		[]string{"decision"}, // decision: allow, deny
	)

	// SessionsCreatedTotal counts browser sessions created.
	SessionsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Total number of browser sessions created",
		},
	)

	// SessionsDestroyedTotal counts browser sessions destroyed by logout.
	SessionsDestroyedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "destroyed_total",
			Help:      "Total number of browser sessions destroyed",
		},
	)

	// CSRFRejectionsTotal counts state-mutating requests rejected for a
	// missing or stale CSRF token.
	CSRFRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "csrf_rejections_total",
			Help:      "Total number of requests rejected by the CSRF check",
		},
	)

	// UpstreamRequestDurationSeconds measures calls to upstream collaborators.
	UpstreamRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Duration of upstream collaborator calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"target", "result"}, // target: portal_api, gateway, scope_service
	)

	// RegistrationsTotal counts completed registration pool sign-ups.
	RegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registration",
			Name:      "completed_total",
			Help:      "Total number of completed registrations by pool",
		},
		[]string{"pool"},
	)

	// VerificationsTotal counts verification lifecycle actions.
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "actions_total",
			Help:      "Total number of verification actions by kind",
		},
		[]string{"action"}, // action: create, confirm, invalid
	)
)

// RecordAuthorizeFlow records an authorize flow completion.
func RecordAuthorizeFlow(authMethod, responseType, result string) {
	AuthorizeFlowsTotal.WithLabelValues(authMethod, responseType, result).Inc()
}

// RecordTokenIssued records a token endpoint completion.
func RecordTokenIssued(grantType, result string) {
	TokensIssuedTotal.WithLabelValues(grantType, result).Inc()
}

// RecordLogin records an end-user login attempt.
func RecordLogin(authMethod, result string) {
	LoginsTotal.WithLabelValues(authMethod, result).Inc()
}

// RecordConsentDecision records a scope consent decision (allow or deny).
func RecordConsentDecision(decision string) {
	ConsentDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordSessionCreated records a browser session creation.
func RecordSessionCreated() {
	SessionsCreatedTotal.Inc()
}

// RecordSessionDestroyed records a browser session destruction.
func RecordSessionDestroyed() {
	SessionsDestroyedTotal.Inc()
}

// RecordCSRFRejection records a request rejected by the CSRF check.
func RecordCSRFRejection() {
	CSRFRejectionsTotal.Inc()
}

// RecordUpstreamRequest records one upstream collaborator call.
func RecordUpstreamRequest(target string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	UpstreamRequestDurationSeconds.WithLabelValues(target, result).Observe(time.Since(start).Seconds())
}

// RecordRegistration records a completed registration in a pool.
func RecordRegistration(pool string) {
	RegistrationsTotal.WithLabelValues(pool).Inc()
}

// RecordVerification records a verification lifecycle action.
func RecordVerification(action string) {
	VerificationsTotal.WithLabelValues(action).Inc()
}
