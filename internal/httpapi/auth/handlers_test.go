package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apigrid/portal-auth/internal/audit"
	"github.com/apigrid/portal-auth/internal/gateway"
	"github.com/apigrid/portal-auth/internal/idp"
	flow "github.com/apigrid/portal-auth/internal/oauth"
	"github.com/apigrid/portal-auth/internal/portal"
	"github.com/apigrid/portal-auth/internal/profile"
	"github.com/apigrid/portal-auth/internal/security"
	"github.com/apigrid/portal-auth/internal/session"
)

// portalFixture is an httptest stand-in for the portal API, serving just the
// resources the flow touches: one subscription (client-1 -> app-1 -> orders),
// one user reachable by the dummy IdP's custom id, and grant storage.
type portalFixture struct {
	trusted bool
	grants  map[string]portal.Grant
}

func (fp *portalFixture) router() chi.Router {
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	application := portal.Application{
		ID:           "app-1",
		Name:         "Example App",
		Confidential: true,
		RedirectURI:  "https://app.example.com/cb",
	}

	r := chi.NewRouter()
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/subscriptions/{clientID}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "clientID") != "client-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, portal.SubscriptionInfo{
			Subscription: portal.Subscription{
				Application:  "app-1",
				API:          "orders",
				ClientID:     "client-1",
				ClientSecret: "secret-1",
				Trusted:      fp.trusted,
			},
			Application: application,
		})
	})
	r.Get("/apis/{apiID}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "apiID") != "orders" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, portal.API{
			ID:          "orders",
			Name:        "Orders API",
			AuthMethods: []string{"default"},
			Settings: portal.APISettings{
				Scopes: map[string]portal.ScopeInfo{
					"read":  {Description: "read orders"},
					"write": {Description: "write orders"},
				},
			},
		})
	})
	r.Get("/applications/app-1", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, application)
	})
	r.Get("/users", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("customId") == "dummy:u-1" {
			writeJSON(w, []portal.User{{ID: "u-1"}})
			return
		}
		writeJSON(w, []portal.User{})
	})
	r.Get("/users/u-1", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, portal.User{ID: "u-1", Email: "u1@example.com", Validated: true})
	})
	r.Get("/grants/{userID}/applications/{appID}/apis/{apiID}", func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "userID") + "|" + chi.URLParam(r, "appID") + "|" + chi.URLParam(r, "apiID")
		grant, ok := fp.grants[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, grant)
	})
	r.Put("/grants/{userID}/applications/{appID}/apis/{apiID}", func(w http.ResponseWriter, r *http.Request) {
		var grant portal.Grant
		if err := json.NewDecoder(r.Body).Decode(&grant); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		key := chi.URLParam(r, "userID") + "|" + chi.URLParam(r, "appID") + "|" + chi.URLParam(r, "apiID")
		fp.grants[key] = grant
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

// gatewayFixture fakes the gateway's admin and oauth2 plugin surfaces for
// the orders API.
type gatewayFixture struct {
	lastToken map[string]string
}

func (fg *gatewayFixture) router() chi.Router {
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	r := chi.NewRouter()
	r.Get("/apis/orders", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"id": "orders", "name": "orders", "uris": []string{"/orders"}})
	})
	r.Get("/apis/orders/plugins", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"data": []map[string]any{{
				"name": "oauth2",
				"config": map[string]any{
					"provision_key":             "pk-orders",
					"enable_authorization_code": true,
					"enable_implicit_grant":     true,
					"enable_client_credentials": true,
					"enable_password_grant":     true,
					"token_expiration":          3600,
				},
			}},
		})
	})
	r.Post("/orders/oauth2/authorize", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		redirect := payload["redirect_uri"]
		if payload["response_type"] == "token" {
			redirect += "#access_token=at-implicit&token_type=bearer&expires_in=3600"
		} else {
			redirect += "?code=code-123"
		}
		writeJSON(w, map[string]string{"redirect_uri": redirect})
	})
	r.Post("/orders/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		fg.lastToken = payload
		writeJSON(w, gateway.TokenResponse{
			AccessToken:  "at-1",
			TokenType:    "bearer",
			ExpiresIn:    3600,
			RefreshToken: "rt-1",
		})
	})
	return r
}

// testEnv wires a full auth method surface: real portal and gateway clients
// against the fixtures above, redis-backed sessions and profiles, and the
// dummy IdP so interactive login completes inline.
type testEnv struct {
	server   *httptest.Server
	client   *http.Client
	portal   *portalFixture
	gateway  *gatewayFixture
	profiles *profile.Store
}

func newTestEnv(t *testing.T, trusted bool) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	fp := &portalFixture{trusted: trusted, grants: make(map[string]portal.Grant)}
	portalSrv := httptest.NewServer(fp.router())
	t.Cleanup(portalSrv.Close)

	fg := &gatewayFixture{}
	gatewaySrv := httptest.NewServer(fg.router())
	t.Cleanup(gatewaySrv.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	store := session.NewRedisStore(client, "test:sess:", time.Hour)
	signer := security.NewCookieSigner("0123456789abcdef0123456789abcdef")
	sessions := session.NewManager(store, signer, time.Hour, false, logger)
	profiles := profile.NewStore(client, "test:profile:", time.Hour)

	portalClient := portal.NewClient(portalSrv.URL, 5*time.Second, logger)
	gatewayClient := gateway.NewClient(gatewaySrv.URL, 5*time.Second, logger)

	provider := idp.NewDummy(map[string]string{
		"sub":   "u-1",
		"email": "u1@example.com",
		"name":  "User One",
	})

	engine := flow.NewFlow(flow.Options{
		AuthMethodID: "default",
		IdP:          provider,
		Portal:       portalClient,
		Gateway:      gatewayClient,
		Profiles:     profiles,
		Scopes:       flow.NewScopeClient(time.Second, logger),
		Audit:        audit.NewNoopEmitter(),
		Logger:       logger,
	})
	handler := New(Options{
		MethodID:  "default",
		Flow:      engine,
		Sessions:  sessions,
		Portal:    portalClient,
		Profiles:  profiles,
		Audit:     audit.NewNoopEmitter(),
		MountURL:  "https://auth.example.com/auth/default",
		MountPath: "/auth/default",
		Logger:    logger,
	})

	router := chi.NewRouter()
	router.Group(func(r chi.Router) {
		r.Use(sessions.Middleware)
		r.Route("/auth/default", handler.RegisterRoutes)
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &testEnv{
		server: server,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		portal:   fp,
		gateway:  fg,
		profiles: profiles,
	}
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := e.client.Get(e.server.URL + path)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) postForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()
	resp, err := e.client.PostForm(e.server.URL+path, form)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() {
		_ = resp.Body.Close()
	}()
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return sb.String()
}

// scrapeField pulls a hidden input value out of a rendered form.
func scrapeField(t *testing.T, body, name string) string {
	t.Helper()
	marker := `name="` + name + `" value="`
	idx := strings.Index(body, marker)
	require.GreaterOrEqual(t, idx, 0, "field %s not found in page", name)
	rest := body[idx+len(marker):]
	end := strings.Index(rest, `"`)
	require.GreaterOrEqual(t, end, 0)
	return rest[:end]
}

func redirectQuery(t *testing.T, resp *http.Response) (string, url.Values) {
	t.Helper()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location := resp.Header.Get("Location")
	u, err := url.Parse(location)
	require.NoError(t, err)
	return location, u.Query()
}

const authorizePath = "/auth/default/api/orders/authorize" +
	"?client_id=client-1&response_type=code&redirect_uri=https%3A%2F%2Fapp.example.com%2Fcb&state=xyz&scope=read"

func TestAuthorizeCodeEndToEnd(t *testing.T) {
	env := newTestEnv(t, true)

	// Trusted subscription with the dummy IdP: authorize, inline login and
	// minting collapse into a single round trip.
	resp := env.get(t, authorizePath)
	_, query := redirectQuery(t, resp)
	require.Equal(t, "code-123", query.Get("code"))
	assert.Equal(t, "xyz", query.Get("state"))

	// Redeem the code.
	resp = env.postForm(t, "/auth/default/api/orders/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"client-1"},
		"client_secret": {"secret-1"},
		"code":          {"code-123"},
		"redirect_uri":  {"https://app.example.com/cb"},
	})
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	var token struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &token))
	assert.Equal(t, "at-1", token.AccessToken)
	assert.Equal(t, "rt-1", token.RefreshToken)
	assert.Equal(t, 3600, token.ExpiresIn)

	// The migrated profile is served under the new access token.
	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/auth/default/profile", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer at-1")
	resp, err = env.client.Do(req)
	require.NoError(t, err)
	body = readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Contains(t, body, `"sub":"u-1"`)
}

func TestAuthorizePromptNoneWithoutSession(t *testing.T) {
	env := newTestEnv(t, true)

	resp := env.get(t, authorizePath+"&prompt=none")
	_, query := redirectQuery(t, resp)
	assert.Equal(t, "login_required", query.Get("error"))
	assert.Equal(t, "xyz", query.Get("state"))
}

func TestAuthorizeUnknownScope(t *testing.T) {
	env := newTestEnv(t, true)

	resp := env.get(t, strings.Replace(authorizePath, "scope=read", "scope=launch", 1))
	_, query := redirectQuery(t, resp)
	assert.Equal(t, "invalid_scope", query.Get("error"))
}

func TestAuthorizeUnknownClientRendersErrorPage(t *testing.T) {
	env := newTestEnv(t, true)

	resp := env.get(t, strings.Replace(authorizePath, "client_id=client-1", "client_id=nobody", 1))
	body := readBody(t, resp)
	assert.GreaterOrEqual(t, resp.StatusCode, http.StatusBadRequest)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.NotEmpty(t, body)
}

func TestConsentDeny(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.get(t, authorizePath)
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	csrf := scrapeField(t, body, "_csrf")

	resp = env.postForm(t, "/auth/default/grant", url.Values{
		"_csrf":    {csrf},
		"decision": {"deny"},
	})
	_, query := redirectQuery(t, resp)
	assert.Equal(t, "access_denied", query.Get("error"))
	assert.Empty(t, env.portal.grants)
}

func TestConsentAllow(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.get(t, authorizePath)
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Contains(t, body, "Example App")
	csrf := scrapeField(t, body, "_csrf")

	resp = env.postForm(t, "/auth/default/grant", url.Values{
		"_csrf":    {csrf},
		"decision": {"allow"},
	})
	_, query := redirectQuery(t, resp)
	require.Equal(t, "code-123", query.Get("code"))

	grant, ok := env.portal.grants["u-1|app-1|orders"]
	require.True(t, ok, "consent should store the grant")
	assert.True(t, grant.HasScope("read"))
}

func TestConsentGrantCoveredSkipsPage(t *testing.T) {
	env := newTestEnv(t, false)
	env.portal.grants["u-1|app-1|orders"] = portal.Grant{
		UserID:        "u-1",
		ApplicationID: "app-1",
		APIID:         "orders",
		Scopes:        []portal.ScopeGrant{{Scope: "read"}, {Scope: "write"}},
	}

	resp := env.get(t, authorizePath)
	_, query := redirectQuery(t, resp)
	assert.Equal(t, "code-123", query.Get("code"))
}

func TestConsentCSRFRejected(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.get(t, authorizePath)
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	resp = env.postForm(t, "/auth/default/grant", url.Values{
		"_csrf":    {"forged"},
		"decision": {"allow"},
	})
	readBody(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, env.portal.grants)
}

func TestTokenClientCredentialsJSONBody(t *testing.T) {
	env := newTestEnv(t, true)

	payload, err := json.Marshal(map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     "client-1",
		"client_secret": "secret-1",
		"scope":         "read",
	})
	require.NoError(t, err)

	resp, err := env.client.Post(
		env.server.URL+"/auth/default/api/orders/token",
		"application/json",
		strings.NewReader(string(payload)),
	)
	require.NoError(t, err)
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Contains(t, body, "at-1")
	assert.Equal(t, "client_credentials", env.gateway.lastToken["grant_type"])
	assert.Equal(t, "read", env.gateway.lastToken["scope"])
}

func TestTokenUnknownGrantType(t *testing.T) {
	env := newTestEnv(t, true)

	resp := env.postForm(t, "/auth/default/api/orders/token", url.Values{
		"grant_type": {"device_code"},
		"client_id":  {"client-1"},
	})
	body := readBody(t, resp)
	assert.GreaterOrEqual(t, resp.StatusCode, http.StatusBadRequest)
	assert.Contains(t, body, "error")
}

func TestProfileUnknownToken(t *testing.T) {
	env := newTestEnv(t, true)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/auth/default/profile", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer nope")
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	readBody(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "invalid_token")
}

func TestLogoutDestroysSession(t *testing.T) {
	env := newTestEnv(t, true)

	// Establish a logged-in session via the trusted flow.
	resp := env.get(t, authorizePath)
	readBody(t, resp)
	require.Equal(t, http.StatusFound, resp.StatusCode)

	resp = env.get(t, "/auth/default/logout?redirect_uri=https://portal.example.com/")
	readBody(t, resp)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://portal.example.com/", resp.Header.Get("Location"))

	// A prompt=none retry now fails: the login is gone.
	resp = env.get(t, authorizePath+"&prompt=none")
	_, query := redirectQuery(t, resp)
	assert.Equal(t, "login_required", query.Get("error"))
}

func TestImplicitFlowFragment(t *testing.T) {
	env := newTestEnv(t, true)

	resp := env.get(t, strings.Replace(authorizePath, "response_type=code", "response_type=token", 1))
	location, _ := redirectQuery(t, resp)
	require.Contains(t, location, "#")
	fragment := location[strings.Index(location, "#")+1:]
	values, err := url.ParseQuery(fragment)
	require.NoError(t, err)
	assert.Equal(t, "at-implicit", values.Get("access_token"))
	assert.Equal(t, "xyz", values.Get("state"))

	// The implicit token is usable against the userinfo endpoint right away.
	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/auth/default/profile", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer at-implicit")
	tokenResp, err := env.client.Do(req)
	require.NoError(t, err)
	body := readBody(t, tokenResp)
	require.Equal(t, http.StatusOK, tokenResp.StatusCode, body)
	assert.Contains(t, body, `"sub":"u-1"`)
}

func TestVerificationEndpoints(t *testing.T) {
	env := newTestEnv(t, true)

	// Unknown verification ids answer 404 without leaking validity.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/auth/default/verify/nope", nil)
	require.NoError(t, err)
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	body := readBody(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "invalid verification id")
}
