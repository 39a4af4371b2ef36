// Package gateway implements the typed client for the upstream gateway's
// OAuth2 plugin. The gateway is the token authority: this server never mints
// codes or tokens itself, it asks the gateway to do so on behalf of an
// authenticated user and passes the result through.
//
// Purpose:
//
//	Wraps the two proxy endpoints (POST <uri>/oauth2/authorize and
//	POST <uri>/oauth2/token) plus the admin lookups needed to drive them
//	(API descriptor with its request uris, oauth2 plugin config with the
//	provision key and enabled grants). Admin lookups are cached per API id
//	for the process lifetime.
//
// Key Responsibilities:
//   - Authorize delegates code/token issuance for browser flows
//   - Token delegates all four token grant types with per-grant body shapes
//   - Enforce the plugin's enable_* grant switches before calling out
//   - Map upstream OAuth2 error bodies into *oauth2.Error values
//
// Debugging Notes:
//   - The gateway usually runs with a self-signed certificate inside the
//     deployment; the client accepts it when GATEWAY_URL is https
//   - When GATEWAY_URL is http (TLS terminated elsewhere) the client injects
//     X-Forwarded-Proto: https, which the oauth2 plugin requires
//   - Missing provision_key or uris on an API is a deployment defect and
//     surfaces as server_error
//
// Thread Safety:
//   - Safe for concurrent use; the config cache tolerates duplicate
//     first-time fills (last write wins with an equal value)
package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/256dpi/oauth2/v2"
	"github.com/rs/zerolog"

	"github.com/apigrid/portal-auth/internal/metrics"
)

// Grant and response type literals as the gateway's oauth2 plugin expects
// them on the wire.
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"

	GrantAuthorizationCode = "authorization_code"
	GrantClientCredentials = "client_credentials"
	GrantPassword          = "password"
	GrantRefreshToken      = "refresh_token"
)

// PluginConfig is the gateway's oauth2 plugin configuration for one API.
type PluginConfig struct {
	ProvisionKey            string   `json:"provision_key"`
	EnableAuthorizationCode bool     `json:"enable_authorization_code"`
	EnableImplicitGrant     bool     `json:"enable_implicit_grant"`
	EnableClientCredentials bool     `json:"enable_client_credentials"`
	EnablePasswordGrant     bool     `json:"enable_password_grant"`
	TokenExpiration         int      `json:"token_expiration"`
	MandatoryScope          bool     `json:"mandatory_scope"`
	Scopes                  []string `json:"scopes"`
}

// apiDescriptor is the gateway's API entity; URIs carries the proxy paths
// the API is served under.
type apiDescriptor struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	URIs []string `json:"uris"`
}

// apiEntry is the cached admin state for one API id.
type apiEntry struct {
	uri    string
	plugin PluginConfig
}

// AuthorizeRequest delegates a browser authorize call to the gateway.
type AuthorizeRequest struct {
	APIID               string
	ResponseType        string
	ClientID            string
	RedirectURI         string
	AuthenticatedUserID string
	Scope               []string
}

// TokenRequest delegates a token grant to the gateway. Only the fields the
// grant type uses are sent upstream.
type TokenRequest struct {
	APIID               string
	GrantType           string
	ClientID            string
	ClientSecret        string
	Code                string
	RedirectURI         string
	AuthenticatedUserID string
	RefreshToken        string
	Scope               []string
}

// TokenResponse is the gateway's token payload, passed through to clients.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Client talks to the gateway's admin and proxy surfaces. Safe for
// concurrent use.
type Client struct {
	baseURL      string
	forwardProto bool
	httpClient   *http.Client
	logger       zerolog.Logger

	mu   sync.RWMutex
	apis map[string]*apiEntry
}

// NewClient creates a gateway client rooted at baseURL. An https base URL
// enables acceptance of the gateway's self-signed certificate; an http base
// URL enables X-Forwarded-Proto injection on the OAuth2 endpoints.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	trimmed := strings.TrimRight(baseURL, "/")
	client := &http.Client{Timeout: timeout}
	forwardProto := true
	if strings.HasPrefix(trimmed, "https://") {
		forwardProto = false
		client.Transport = &http.Transport{
			// The in-cluster gateway terminates TLS with a self-signed
			// certificate.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Client{
		baseURL:      trimmed,
		forwardProto: forwardProto,
		httpClient:   client,
		logger:       logger.With().Str("component", "gateway_client").Logger(),
		apis:         make(map[string]*apiEntry),
	}
}

// Authorize asks the gateway to issue an authorization code or implicit
// token and returns the redirect URI carrying it.
func (c *Client) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	entry, err := c.apiEntry(ctx, req.APIID)
	if err != nil {
		return "", err
	}
	if !responseTypeEnabled(entry.plugin, req.ResponseType) {
		return "", unauthorizedClient(fmt.Sprintf("response type %s is not enabled for API %s", req.ResponseType, req.APIID))
	}

	payload := map[string]string{
		"response_type":        req.ResponseType,
		"provision_key":        entry.plugin.ProvisionKey,
		"client_id":            req.ClientID,
		"redirect_uri":         req.RedirectURI,
		"authenticated_userid": req.AuthenticatedUserID,
	}
	if scope := strings.Join(req.Scope, " "); scope != "" {
		payload["scope"] = scope
	}

	var result struct {
		RedirectURI string `json:"redirect_uri"`
	}
	if err := c.postOAuth2(ctx, entry.uri, "authorize", payload, &result); err != nil {
		return "", err
	}
	if result.RedirectURI == "" {
		return "", oauth2.ServerError("gateway returned no redirect URI")
	}
	return result.RedirectURI, nil
}

// Token asks the gateway to issue tokens for one of the four grant types.
func (c *Client) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	entry, err := c.apiEntry(ctx, req.APIID)
	if err != nil {
		return nil, err
	}
	if !grantEnabled(entry.plugin, req.GrantType) {
		return nil, unauthorizedClient(fmt.Sprintf("grant type %s is not enabled for API %s", req.GrantType, req.APIID))
	}

	payload := map[string]string{
		"grant_type":    req.GrantType,
		"client_id":     req.ClientID,
		"client_secret": req.ClientSecret,
	}
	switch req.GrantType {
	case GrantClientCredentials:
		// No additional fields.
	case GrantAuthorizationCode:
		payload["code"] = req.Code
		payload["redirect_uri"] = req.RedirectURI
	case GrantPassword:
		payload["provision_key"] = entry.plugin.ProvisionKey
		payload["authenticated_userid"] = req.AuthenticatedUserID
	case GrantRefreshToken:
		payload["refresh_token"] = req.RefreshToken
	default:
		return nil, oauth2.UnsupportedGrantType(fmt.Sprintf("unknown grant type %s", req.GrantType))
	}
	if req.GrantType == GrantClientCredentials || req.GrantType == GrantPassword {
		if scope := strings.Join(req.Scope, " "); scope != "" {
			payload["scope"] = scope
		}
	}

	var result TokenResponse
	if err := c.postOAuth2(ctx, entry.uri, "token", payload, &result); err != nil {
		return nil, err
	}
	if result.AccessToken == "" {
		return nil, oauth2.ServerError("gateway returned no access token")
	}
	return &result, nil
}

// apiEntry returns the cached admin state for apiID, fetching the API
// descriptor and oauth2 plugin config on first use.
func (c *Client) apiEntry(ctx context.Context, apiID string) (*apiEntry, error) {
	c.mu.RLock()
	entry, ok := c.apis[apiID]
	c.mu.RUnlock()
	if ok {
		return entry, nil
	}

	descriptor, err := c.fetchAPI(ctx, apiID)
	if err != nil {
		return nil, err
	}
	if len(descriptor.URIs) == 0 {
		return nil, oauth2.ServerError(fmt.Sprintf("gateway API %s has no request uris", apiID))
	}
	plugin, err := c.fetchPlugin(ctx, apiID)
	if err != nil {
		return nil, err
	}
	if plugin.ProvisionKey == "" {
		return nil, oauth2.ServerError(fmt.Sprintf("gateway API %s has no provision key", apiID))
	}

	entry = &apiEntry{uri: descriptor.URIs[0], plugin: *plugin}
	c.mu.Lock()
	c.apis[apiID] = entry
	c.mu.Unlock()

	c.logger.Debug().
		Str("api_id", apiID).
		Str("uri", entry.uri).
		Msg("cached gateway API config")
	return entry, nil
}

func (c *Client) fetchAPI(ctx context.Context, apiID string) (*apiDescriptor, error) {
	var descriptor apiDescriptor
	if err := c.getJSON(ctx, "/apis/"+url.PathEscape(apiID), &descriptor); err != nil {
		return nil, err
	}
	return &descriptor, nil
}

func (c *Client) fetchPlugin(ctx context.Context, apiID string) (*PluginConfig, error) {
	var page struct {
		Data []struct {
			Name   string       `json:"name"`
			Config PluginConfig `json:"config"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/apis/%s/plugins?name=oauth2", url.PathEscape(apiID))
	if err := c.getJSON(ctx, path, &page); err != nil {
		return nil, err
	}
	for _, plugin := range page.Data {
		if plugin.Name == "oauth2" {
			return &plugin.Config, nil
		}
	}
	return nil, oauth2.ServerError(fmt.Sprintf("gateway API %s has no oauth2 plugin", apiID))
}

// getJSON fetches an admin resource. Failures here are deployment problems,
// not client errors, so everything maps to server_error.
func (c *Client) getJSON(ctx context.Context, path string, out any) (err error) {
	start := time.Now()
	defer func() {
		metrics.RecordUpstreamRequest("gateway", start, err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return oauth2.ServerError(fmt.Sprintf("failed to create gateway request: %s", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("gateway admin request failed")
		return oauth2.ServerError("gateway is unreachable")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return oauth2.ServerError("failed to read gateway response")
	}
	if resp.StatusCode > 299 {
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("path", path).
			Msg("gateway admin returned error status")
		return oauth2.ServerError(fmt.Sprintf("gateway returned status %d", resp.StatusCode))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return oauth2.ServerError("failed to decode gateway response")
	}
	return nil
}

// postOAuth2 posts to the API's oauth2 plugin endpoint on the proxy surface.
func (c *Client) postOAuth2(ctx context.Context, apiURI, endpoint string, payload map[string]string, out any) (err error) {
	start := time.Now()
	defer func() {
		metrics.RecordUpstreamRequest("gateway", start, err)
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return oauth2.ServerError(fmt.Sprintf("failed to marshal gateway request: %s", err))
	}

	target := fmt.Sprintf("%s%s/oauth2/%s", c.baseURL, apiURI, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return oauth2.ServerError(fmt.Sprintf("failed to create gateway request: %s", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.forwardProto {
		// The oauth2 plugin rejects plain http unless it is told TLS was
		// already terminated.
		req.Header.Set("X-Forwarded-Proto", "https")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("gateway oauth2 request failed")
		return oauth2.ServerError("gateway is unreachable")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return oauth2.ServerError("failed to read gateway response")
	}
	if resp.StatusCode > 299 {
		return mapOAuth2Error(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return oauth2.ServerError("failed to decode gateway response")
	}
	return nil
}

// mapOAuth2Error lifts the gateway's {error, error_description} body into an
// *oauth2.Error, preserving the upstream status.
func mapOAuth2Error(status int, data []byte) *oauth2.Error {
	var body struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Message          string `json:"message"`
	}
	_ = json.Unmarshal(data, &body)

	description := body.ErrorDescription
	if description == "" {
		description = body.Message
	}
	if body.Error == "" {
		if description == "" {
			description = fmt.Sprintf("gateway returned status %d", status)
		}
		return oauth2.ServerError(description)
	}
	return &oauth2.Error{
		Status:      status,
		Name:        body.Error,
		Description: description,
	}
}

func unauthorizedClient(description string) *oauth2.Error {
	return &oauth2.Error{
		Status:      http.StatusForbidden,
		Name:        "unauthorized_client",
		Description: description,
	}
}

func responseTypeEnabled(cfg PluginConfig, responseType string) bool {
	switch responseType {
	case ResponseTypeCode:
		return cfg.EnableAuthorizationCode
	case ResponseTypeToken:
		return cfg.EnableImplicitGrant
	default:
		return false
	}
}

func grantEnabled(cfg PluginConfig, grantType string) bool {
	switch grantType {
	case GrantAuthorizationCode:
		return cfg.EnableAuthorizationCode
	case GrantClientCredentials:
		return cfg.EnableClientCredentials
	case GrantPassword:
		return cfg.EnablePasswordGrant
	case GrantRefreshToken:
		return cfg.EnableAuthorizationCode || cfg.EnablePasswordGrant
	default:
		return false
	}
}
