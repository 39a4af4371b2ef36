package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/apigrid/portal-auth/internal/metrics"
)

// Client talks to the portal API over JSON/HTTP. It is safe for concurrent
// use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a portal API client rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With().Str("component", "portal_client").Logger(),
	}
}

// Ping checks that the portal API answers. Used by the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/ping", nil, nil)
}

// GetSubscription resolves an OAuth2 client id to its subscription and
// application. Unknown client ids return ErrNotFound.
func (c *Client) GetSubscription(ctx context.Context, clientID string) (*SubscriptionInfo, error) {
	var info SubscriptionInfo
	if err := c.doJSON(ctx, http.MethodGet, "/subscriptions/"+url.PathEscape(clientID), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetAPI fetches the API descriptor, including its scope catalogue and auth
// method bindings.
func (c *Client) GetAPI(ctx context.Context, apiID string) (*API, error) {
	var api API
	if err := c.doJSON(ctx, http.MethodGet, "/apis/"+url.PathEscape(apiID), nil, &api); err != nil {
		return nil, err
	}
	return &api, nil
}

// GetApplication fetches application display info for consent and grant
// pages.
func (c *Client) GetApplication(ctx context.Context, appID string) (*Application, error) {
	var app Application
	if err := c.doJSON(ctx, http.MethodGet, "/applications/"+url.PathEscape(appID), nil, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

// GetUser fetches a user by portal id.
func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	var user User
	if err := c.doJSON(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByEmail looks a user up by email address. Returns ErrNotFound when
// no user carries the address.
func (c *Client) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return c.findUser(ctx, "email", email)
}

// GetUserByCustomID looks a user up by the identity an external IdP assigned
// them. Returns ErrNotFound when nobody matches.
func (c *Client) GetUserByCustomID(ctx context.Context, customID string) (*User, error) {
	return c.findUser(ctx, "customId", customID)
}

func (c *Client) findUser(ctx context.Context, field, value string) (*User, error) {
	var list []User
	query := fmt.Sprintf("/users?%s=%s", field, url.QueryEscape(value))
	if err := c.doJSON(ctx, http.MethodGet, query, nil, &list); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("no user with %s %q: %w", field, value, ErrNotFound)
	}
	// The filtered listing returns short records; fetch the full resource.
	return c.GetUser(ctx, list[0].ID)
}

// CreateUser creates a portal user. A duplicate email maps to
// ErrDuplicateEmail so callers can render the specific message instead of a
// generic failure.
func (c *Client) CreateUser(ctx context.Context, nu NewUser) (*User, error) {
	var user User
	err := c.doJSON(ctx, http.MethodPost, "/users", nu, &user)
	if err != nil {
		if UpstreamStatus(err) == http.StatusConflict {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return &user, nil
}

// PatchUser applies a partial update to a user, e.g. flipping validated or
// setting a new password after a reset.
func (c *Client) PatchUser(ctx context.Context, userID string, patch map[string]any) (*User, error) {
	var user User
	if err := c.doJSON(ctx, http.MethodPatch, "/users/"+url.PathEscape(userID), patch, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Login validates credentials against the portal API, which owns password
// storage. Wrong credentials map to ErrInvalidCredentials; callers are
// responsible for the mandatory failure delay.
func (c *Client) Login(ctx context.Context, email, password string) (*User, error) {
	body := map[string]string{"email": email, "password": password}
	var user User
	err := c.doJSON(ctx, http.MethodPost, "/login", body, &user)
	if err != nil {
		status := UpstreamStatus(err)
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	return &user, nil
}

// GetRegistrations lists a user's registrations in a pool, one per namespace
// for namespaced pools.
func (c *Client) GetRegistrations(ctx context.Context, poolID, userID string) ([]Registration, error) {
	var col collection[Registration]
	path := fmt.Sprintf("/registrations/pools/%s/users/%s", url.PathEscape(poolID), url.PathEscape(userID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &col); err != nil {
		return nil, err
	}
	return col.Items, nil
}

// UpsertRegistration creates or replaces a user's registration in a pool.
func (c *Client) UpsertRegistration(ctx context.Context, reg Registration) error {
	path := fmt.Sprintf("/registrations/pools/%s/users/%s", url.PathEscape(reg.PoolID), url.PathEscape(reg.UserID))
	return c.doJSON(ctx, http.MethodPut, path, reg, nil)
}

// GetPool fetches a registration pool descriptor.
func (c *Client) GetPool(ctx context.Context, poolID string) (*Pool, error) {
	var pool Pool
	if err := c.doJSON(ctx, http.MethodGet, "/pools/"+url.PathEscape(poolID), nil, &pool); err != nil {
		return nil, err
	}
	return &pool, nil
}

// ValidNamespace reports whether namespace exists in the pool.
func (c *Client) ValidNamespace(ctx context.Context, poolID, namespace string) (bool, error) {
	path := fmt.Sprintf("/pools/%s/namespaces/%s", url.PathEscape(poolID), url.PathEscape(namespace))
	err := c.doJSON(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		if UpstreamStatus(err) == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetGrants lists all scope grants a user has issued.
func (c *Client) GetGrants(ctx context.Context, userID string) ([]Grant, error) {
	var col collection[Grant]
	if err := c.doJSON(ctx, http.MethodGet, "/grants/"+url.PathEscape(userID), nil, &col); err != nil {
		return nil, err
	}
	return col.Items, nil
}

// GetGrant fetches the grant a user issued to one application for one API.
// Returns ErrNotFound when the user never granted anything for the pair.
func (c *Client) GetGrant(ctx context.Context, userID, appID, apiID string) (*Grant, error) {
	var grant Grant
	if err := c.doJSON(ctx, http.MethodGet, grantPath(userID, appID, apiID), nil, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// UpsertGrant stores the full set of scopes the user granted for the
// application/API pair, replacing any previous grant.
func (c *Client) UpsertGrant(ctx context.Context, grant Grant) error {
	return c.doJSON(ctx, http.MethodPut, grantPath(grant.UserID, grant.ApplicationID, grant.APIID), grant, nil)
}

// DeleteGrant revokes a single grant.
func (c *Client) DeleteGrant(ctx context.Context, userID, appID, apiID string) error {
	return c.doJSON(ctx, http.MethodDelete, grantPath(userID, appID, apiID), nil, nil)
}

// DeleteAllGrants revokes everything the user ever granted.
func (c *Client) DeleteAllGrants(ctx context.Context, userID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/grants/"+url.PathEscape(userID), nil, nil)
}

func grantPath(userID, appID, apiID string) string {
	return fmt.Sprintf("/grants/%s/applications/%s/apis/%s",
		url.PathEscape(userID), url.PathEscape(appID), url.PathEscape(apiID))
}

// CreateVerification stores a verification record; the portal API mails the
// confirmation link out of band.
func (c *Client) CreateVerification(ctx context.Context, v Verification) error {
	return c.doJSON(ctx, http.MethodPost, "/verifications", v, nil)
}

// GetVerification resolves a verification id from a mailed link. Unknown or
// expired ids return ErrNotFound.
func (c *Client) GetVerification(ctx context.Context, id string) (*Verification, error) {
	var v Verification
	if err := c.doJSON(ctx, http.MethodGet, "/verifications/"+url.PathEscape(id), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// DeleteVerification removes a verification once it has been redeemed.
func (c *Client) DeleteVerification(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/verifications/"+url.PathEscape(id), nil, nil)
}

// doJSON performs one round trip against the portal API. A nil out discards
// the response body; 404 maps to ErrNotFound, every other non-2xx status to
// a *StatusError.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) (err error) {
	start := time.Now()
	defer func() {
		metrics.RecordUpstreamRequest("portal_api", start, err)
	}()

	var reader io.Reader
	if body != nil {
		payload, merr := json.Marshal(body)
		if merr != nil {
			return fmt.Errorf("failed to marshal request body: %w", merr)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Msg("portal API request failed")
		return fmt.Errorf("portal API request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read portal API response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case resp.StatusCode >= 300:
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("method", method).
			Str("path", path).
			Msg("portal API returned error status")
		return &StatusError{Status: resp.StatusCode, Message: extractMessage(data)}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode portal API response: %w", err)
	}
	return nil
}

// extractMessage pulls the portal's {"message": ...} error body, falling
// back to the raw payload.
func extractMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(data))
}
