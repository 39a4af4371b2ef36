package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/apigrid/portal-auth/internal/metrics"
	"github.com/apigrid/portal-auth/internal/profile"
)

// Passthrough scope calls retry on any failure; the external service is
// typically a small sidecar that may still be starting.
const (
	scopeRetryInterval = 500 * time.Millisecond
	scopeMaxTries      = 10
)

// ScopeRequest is the payload sent to an API's passthrough scope URL.
type ScopeRequest struct {
	APIID    string              `json:"api_id"`
	ClientID string              `json:"client_id"`
	Scope    []string            `json:"scope"`
	Profile  profile.OIDCProfile `json:"profile"`
}

// ScopeDecision is the external service's verdict: whether to allow the
// flow, the effective scope, and the identity the gateway should bind.
type ScopeDecision struct {
	Allow               bool     `json:"allow"`
	AuthenticatedScope  []string `json:"authenticated_scope,omitempty"`
	AuthenticatedUserID string   `json:"authenticated_userid,omitempty"`
	ErrorMessage        string   `json:"error_message,omitempty"`
}

// ScopeClient resolves effective scopes through an API's passthrough scope
// URL. Safe for concurrent use.
type ScopeClient struct {
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewScopeClient creates a passthrough scope client; timeout bounds each
// individual attempt.
func NewScopeClient(timeout time.Duration, logger zerolog.Logger) *ScopeClient {
	return &ScopeClient{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "scope_client").Logger(),
	}
}

// Resolve posts the scope request to scopeURL, retrying on network errors
// and non-2xx responses at a constant interval.
func (c *ScopeClient) Resolve(ctx context.Context, scopeURL string, req ScopeRequest) (*ScopeDecision, error) {
	start := time.Now()

	operation := func() (*ScopeDecision, error) {
		return c.post(ctx, scopeURL, req)
	}

	decision, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(scopeRetryInterval)),
		backoff.WithMaxTries(scopeMaxTries),
		backoff.WithNotify(func(err error, duration time.Duration) {
			c.logger.Warn().Err(err).Dur("retry_in", duration).Msg("passthrough scope call failed, retrying")
		}),
	)
	metrics.RecordUpstreamRequest("scope_service", start, err)
	if err != nil {
		return nil, fmt.Errorf("passthrough scope lookup failed: %w", err)
	}
	return decision, nil
}

func (c *ScopeClient) post(ctx context.Context, scopeURL string, req ScopeRequest) (*ScopeDecision, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to marshal scope request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, scopeURL, bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create scope request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("scope service unreachable: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read scope response: %w", err)
	}
	if resp.StatusCode > 299 {
		return nil, fmt.Errorf("scope service returned status %d", resp.StatusCode)
	}

	var decision ScopeDecision
	if err := json.Unmarshal(data, &decision); err != nil {
		return nil, fmt.Errorf("failed to decode scope response: %w", err)
	}
	return &decision, nil
}
