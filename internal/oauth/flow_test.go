package oauth

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/256dpi/oauth2/v2"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apigrid/portal-auth/internal/gateway"
	"github.com/apigrid/portal-auth/internal/portal"
	"github.com/apigrid/portal-auth/internal/profile"
	"github.com/apigrid/portal-auth/internal/session"
)

// fakePortal is an in-memory PortalAPI.
type fakePortal struct {
	subs     map[string]*portal.SubscriptionInfo
	apis     map[string]*portal.API
	apps     map[string]*portal.Application
	users    map[string]*portal.User
	byCustom map[string]*portal.User
	pools    map[string]*portal.Pool
	regs     map[string][]portal.Registration
	grants   map[string]*portal.Grant
	validNS  map[string]bool

	createdUsers []portal.NewUser
	upsertedRegs []portal.Registration
	upsertedGrnt []portal.Grant
}

func newFakePortal() *fakePortal {
	return &fakePortal{
		subs:     map[string]*portal.SubscriptionInfo{},
		apis:     map[string]*portal.API{},
		apps:     map[string]*portal.Application{},
		users:    map[string]*portal.User{},
		byCustom: map[string]*portal.User{},
		pools:    map[string]*portal.Pool{},
		regs:     map[string][]portal.Registration{},
		grants:   map[string]*portal.Grant{},
		validNS:  map[string]bool{},
	}
}

func (p *fakePortal) GetSubscription(_ context.Context, clientID string) (*portal.SubscriptionInfo, error) {
	if s, ok := p.subs[clientID]; ok {
		return s, nil
	}
	return nil, portal.ErrNotFound
}

func (p *fakePortal) GetAPI(_ context.Context, apiID string) (*portal.API, error) {
	if a, ok := p.apis[apiID]; ok {
		return a, nil
	}
	return nil, portal.ErrNotFound
}

func (p *fakePortal) GetApplication(_ context.Context, appID string) (*portal.Application, error) {
	if a, ok := p.apps[appID]; ok {
		return a, nil
	}
	return nil, portal.ErrNotFound
}

func (p *fakePortal) GetUser(_ context.Context, userID string) (*portal.User, error) {
	if u, ok := p.users[userID]; ok {
		return u, nil
	}
	return nil, portal.ErrNotFound
}

func (p *fakePortal) GetUserByCustomID(_ context.Context, customID string) (*portal.User, error) {
	if u, ok := p.byCustom[customID]; ok {
		return u, nil
	}
	return nil, portal.ErrNotFound
}

func (p *fakePortal) CreateUser(_ context.Context, nu portal.NewUser) (*portal.User, error) {
	p.createdUsers = append(p.createdUsers, nu)
	u := &portal.User{
		ID:        "created-" + nu.CustomID,
		CustomID:  nu.CustomID,
		Email:     nu.Email,
		Validated: nu.Validated,
		Groups:    nu.Groups,
	}
	p.users[u.ID] = u
	p.byCustom[nu.CustomID] = u
	return u, nil
}

func (p *fakePortal) GetRegistrations(_ context.Context, poolID, userID string) ([]portal.Registration, error) {
	return p.regs[poolID+"|"+userID], nil
}

func (p *fakePortal) UpsertRegistration(_ context.Context, reg portal.Registration) error {
	p.upsertedRegs = append(p.upsertedRegs, reg)
	key := reg.PoolID + "|" + reg.UserID
	p.regs[key] = append(p.regs[key], reg)
	return nil
}

func (p *fakePortal) GetPool(_ context.Context, poolID string) (*portal.Pool, error) {
	if pool, ok := p.pools[poolID]; ok {
		return pool, nil
	}
	return nil, portal.ErrNotFound
}

func (p *fakePortal) ValidNamespace(_ context.Context, poolID, namespace string) (bool, error) {
	return p.validNS[poolID+"|"+namespace], nil
}

func (p *fakePortal) GetGrant(_ context.Context, userID, appID, apiID string) (*portal.Grant, error) {
	if g, ok := p.grants[userID+"|"+appID+"|"+apiID]; ok {
		return g, nil
	}
	return nil, portal.ErrNotFound
}

func (p *fakePortal) UpsertGrant(_ context.Context, grant portal.Grant) error {
	p.upsertedGrnt = append(p.upsertedGrnt, grant)
	p.grants[grant.UserID+"|"+grant.ApplicationID+"|"+grant.APIID] = &grant
	return nil
}

// fakeGateway is an in-memory TokenMinter recording what it was asked for.
type fakeGateway struct {
	authorizeRedirect string
	authorizeErr      error
	lastAuthorize     *gateway.AuthorizeRequest

	tokenRes   *gateway.TokenResponse
	tokenErr   error
	lastToken  *gateway.TokenRequest
	tokenCalls int
}

func (g *fakeGateway) Authorize(_ context.Context, req gateway.AuthorizeRequest) (string, error) {
	g.lastAuthorize = &req
	if g.authorizeErr != nil {
		return "", g.authorizeErr
	}
	return g.authorizeRedirect, nil
}

func (g *fakeGateway) Token(_ context.Context, req gateway.TokenRequest) (*gateway.TokenResponse, error) {
	g.lastToken = &req
	g.tokenCalls++
	if g.tokenErr != nil {
		return nil, g.tokenErr
	}
	return g.tokenRes, nil
}

// fakeIdP only exercises the credential and refresh hooks the engine calls.
type fakeIdP struct {
	authRes     *AuthResponse
	authErr     error
	refreshErr  error
	lastUser    string
	lastRefresh string
}

func (i *fakeIdP) Type() string        { return "fake" }
func (i *fakeIdP) Endpoints() []string { return nil }

func (i *fakeIdP) AuthorizeWithUI(http.ResponseWriter, *http.Request) error { return nil }

func (i *fakeIdP) RegisterRoutes(chi.Router, ContinueFunc) {}

func (i *fakeIdP) CheckRefreshToken(_ context.Context, id string, _ *profile.OIDCProfile) error {
	i.lastRefresh = id
	return i.refreshErr
}

func (i *fakeIdP) AuthorizeByUserPass(_ context.Context, username, _ string) (*AuthResponse, error) {
	i.lastUser = username
	if i.authErr != nil {
		return nil, i.authErr
	}
	return i.authRes, nil
}

func newTestProfiles(t *testing.T) *profile.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return profile.NewStore(client, "test:profile:", time.Hour)
}

func newTestFlow(t *testing.T, p *fakePortal, g *fakeGateway, idp *fakeIdP) *Flow {
	t.Helper()
	f := NewFlow(Options{
		AuthMethodID: "default",
		IdP:          idp,
		Portal:       p,
		Gateway:      g,
		Profiles:     newTestProfiles(t),
		Scopes:       NewScopeClient(time.Second, zerolog.Nop()),
		Logger:       zerolog.Nop(),
	})
	f.delay = func(context.Context) {}
	return f
}

func requireOAuthError(t *testing.T, err error, name string) *oauth2.Error {
	t.Helper()
	var oe *oauth2.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, name, oe.Name)
	return oe
}

// seedAPI wires a subscription, application and API the way most tests need
// them.
func seedAPI(p *fakePortal, trusted bool) {
	p.subs["client-1"] = &portal.SubscriptionInfo{
		Subscription: portal.Subscription{
			Application:  "app-1",
			API:          "orders",
			ClientID:     "client-1",
			ClientSecret: "s3cret",
			Trusted:      trusted,
		},
		Application: portal.Application{ID: "app-1", Name: "App One", Confidential: true, RedirectURI: "https://app.example.com/cb"},
	}
	p.apps["app-1"] = &portal.Application{ID: "app-1", Name: "App One", RedirectURI: "https://app.example.com/cb"}
	p.apis["orders"] = &portal.API{
		ID:          "orders",
		Name:        "Orders",
		AuthMethods: []string{"default"},
		Settings: portal.APISettings{Scopes: map[string]portal.ScopeInfo{
			"read":  {},
			"write": {},
		}},
	}
	p.users["u-1"] = &portal.User{ID: "u-1", Email: "ada@example.com", Validated: true}
}

func loggedInSession(t *testing.T, f *Flow, req *AuthRequest) *session.Session {
	t.Helper()
	s := &session.Session{ID: "sess-1"}
	require.NoError(t, SaveMethodState(s, f.authMethodID, &MethodState{
		AuthRequest: req,
		AuthResponse: &AuthResponse{
			UserID:         "u-1",
			DefaultProfile: profile.OIDCProfile{Sub: "u-1", Email: "ada@example.com"},
			Profile:        &profile.OIDCProfile{Sub: "u-1", Email: "ada@example.com"},
		},
	}))
	return s
}

func TestAuthorizeRejectsUnknownResponseType(t *testing.T) {
	f := newTestFlow(t, newFakePortal(), &fakeGateway{}, &fakeIdP{})
	_, err := f.Authorize(t.Context(), &session.Session{ID: "s"}, &AuthRequest{ResponseType: "id_token"})
	requireOAuthError(t, err, "unsupported_response_type")
}

func TestAuthorizeRejectsUnknownClient(t *testing.T) {
	f := newTestFlow(t, newFakePortal(), &fakeGateway{}, &fakeIdP{})
	_, err := f.Authorize(t.Context(), &session.Session{ID: "s"}, &AuthRequest{
		APIID: "orders", ClientID: "nope", ResponseType: ResponseTypeCode,
	})
	requireOAuthError(t, err, "invalid_client")
}

func TestAuthorizeRejectsRedirectMismatch(t *testing.T) {
	p := newFakePortal()
	seedAPI(p, false)
	f := newTestFlow(t, p, &fakeGateway{}, &fakeIdP{})

	_, err := f.Authorize(t.Context(), &session.Session{ID: "s"}, &AuthRequest{
		APIID: "orders", ClientID: "client-1", ResponseType: ResponseTypeCode,
		RedirectURI: "https://evil.example.com/cb",
	})
	requireOAuthError(t, err, "invalid_request")
}

func TestAuthorizeRejectsUnknownScope(t *testing.T) {
	p := newFakePortal()
	seedAPI(p, false)
	f := newTestFlow(t, p, &fakeGateway{}, &fakeIdP{})

	_, err := f.Authorize(t.Context(), &session.Session{ID: "s"}, &AuthRequest{
		APIID: "orders", ClientID: "client-1", ResponseType: ResponseTypeCode,
		Scope: []string{"admin"},
	})
	requireOAuthError(t, err, "invalid_scope")
}

func TestAuthorizePromptNoneWithoutSession(t *testing.T) {
	p := newFakePortal()
	seedAPI(p, false)
	f := newTestFlow(t, p, &fakeGateway{}, &fakeIdP{})

	_, err := f.Authorize(t.Context(), &session.Session{ID: "s"}, &AuthRequest{
		APIID: "orders", ClientID: "client-1", ResponseType: ResponseTypeCode,
		Prompt: PromptNone,
	})
	requireOAuthError(t, err, "login_required")
}

func TestAuthorizeAsksForLogin(t *testing.T) {
	p := newFakePortal()
	seedAPI(p, false)
	f := newTestFlow(t, p, &fakeGateway{}, &fakeIdP{})

	s := &session.Session{ID: "s"}
	step, err := f.Authorize(t.Context(), s, &AuthRequest{
		APIID: "orders", ClientID: "client-1", ResponseType: ResponseTypeCode,
	})
	require.NoError(t, err)
	assert.Equal(t, StepLogin, step.Kind)

	ms, err := LoadMethodState(s, "default")
	require.NoError(t, err)
	require.NotNil(t, ms.AuthRequest)
	assert.Equal(t, "https://app.example.com/cb", ms.AuthRequest.RedirectURI)
	assert.Equal(t, "app-1", ms.AuthRequest.AppID)
}

func TestAuthorizeTrustedSessionMintsFullCatalogue(t *testing.T) {
	p := newFakePortal()
	seedAPI(p, true)
	g := &fakeGateway{authorizeRedirect: "https://app.example.com/cb?code=abc123"}
	f := newTestFlow(t, p, g, &fakeIdP{})

	s := loggedInSession(t, f, nil)
	step, err := f.Authorize(t.Context(), s, &AuthRequest{
		APIID: "orders", ClientID: "client-1", ResponseType: ResponseTypeCode,
		Scope: []string{"read"}, State: "xyz",
	})
	require.NoError(t, err)
	require.Equal(t, StepRedirect, step.Kind)
	assert.Contains(t, step.Redirect, "code=abc123")
	assert.Contains(t, step.Redirect, "state=xyz")

	// trusted subscriptions always receive the full catalogue
	require.NotNil(t, g.lastAuthorize)
	assert.Equal(t, []string{"read", "write"}, g.lastAuthorize.Scope)
	assert.Equal(t, "sub=u-1", g.lastAuthorize.AuthenticatedUserID)

	entry, err := f.profiles.Retrieve(t.Context(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "u-1", entry.Profile.Sub)
	assert.Equal(t, "orders", entry.APIID)
}

func TestAuthorizeImplicitRegistersToken(t *testing.T) {
	p := newFakePortal()
	seedAPI(p, true)
	g := &fakeGateway{authorizeRedirect: "https://app.example.com/cb#access_token=tok1&token_type=bearer"}
	f := newTestFlow(t, p, g, &fakeIdP{})

	s := loggedInSession(t, f, nil)
	step, err := f.Authorize(t.Context(), s, &AuthRequest{
		APIID: "orders", ClientID: "client-1", ResponseType: ResponseTypeToken, State: "st",
	})
	require.NoError(t, err)
	require.Equal(t, StepRedirect, step.Kind)
	assert.Contains(t, step.Redirect, "#")
	assert.Contains(t, step.Redirect, "access_token=tok1")
	assert.Contains(t, step.Redirect, "state=st")

	entry, err := f.profiles.Retrieve(t.Context(), "tok1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", entry.Profile.Sub)
}

func TestConsentDenyReturnsAccessDenied(t *testing.T) {
	p := newFakePortal()
	seedAPI(p, false)
	g := &fakeGateway{authorizeRedirect: "https://app.example.com/cb?code=abc"}
	f := newTestFlow(t, p, g, &fakeIdP{})

	s := loggedInSession(t, f, nil)
	step, err := f.Authorize(t.Context(), s, &AuthRequest{
		APIID: "orders", ClientID: "client-1", ResponseType: ResponseTypeCode,
		Scope: []string{"read"},
	})
	require.NoError(t, err)
	require.Equal(t, StepConsent, step.Kind)
	assert.Equal(t, []string{"read"}, step.Consent.MissingGrants)

	_, err = f.SubmitConsent(t.Context(), s, false)
	requireOAuthError(t, err, "access_denied")
}

func TestConsentAllowStoresGrantAndMints(t *testing.T) {
	p := newFakePortal()
	seedAPI(p, false)
	g := &fakeGateway{authorizeRedirect: "https://app.example.com/cb?code=abc"}
	f := newTestFlow(t, p, g, &fakeIdP{})

	s := loggedInSession(t, f, nil)
	step, err := f.Authorize(t.Context(), s, &AuthRequest{
		APIID: "orders", ClientID: "client-1", ResponseType: ResponseTypeCode,
		Scope: []string{"read"},
	})
	require.NoError(t, err)
	require.Equal(t, StepConsent, step.Kind)

	step, err = f.SubmitConsent(t.Context(), s, true)
	require.NoError(t, err)
	assert.Equal(t, StepRedirect, step.Kind)

	require.Len(t, p.upsertedGrnt, 1)
	assert.True(t, p.upsertedGrnt[0].HasScope("read"))
}

func TestConsentSkippedWhenGrantCoversScope(t *testing.T) {
	p := newFakePortal()
	seedAPI(p, false)
	p.grants["u-1|app-1|orders"] = &portal.Grant{
		UserID: "u-1", ApplicationID: "app-1", APIID: "orders",
		Scopes: []portal.ScopeGrant{{Scope: "read"}},
	}
	g := &fakeGateway{authorizeRedirect: "https://app.example.com/cb?code=abc"}
	f := newTestFlow(t, p, g, &fakeIdP{})

	s := loggedInSession(t, f, nil)
	step, err := f.Authorize(t.Context(), s, &AuthRequest{
		APIID: "orders", ClientID: "client-1", ResponseType: ResponseTypeCode,
		Scope: []string{"read"},
	})
	require.NoError(t, err)
	assert.Equal(t, StepRedirect, step.Kind)
}

func TestNamespaceSelection(t *testing.T) {
	p := newFakePortal()
	seedAPI(p, true)
	p.apis["orders"].RegistrationPool = "partners"
	p.pools["partners"] = &portal.Pool{ID: "partners", RequiresNamespace: true}
	p.regs["partners|u-1"] = []portal.Registration{
		{UserID: "u-1", PoolID: "partners", Namespace: "acme", Name: "Ada"},
		{UserID: "u-1", PoolID: "partners", Namespace: "globex", Name: "Ada"},
	}
	g := &fakeGateway{authorizeRedirect: "https://app.example.com/cb?code=abc"}
	f := newTestFlow(t, p, g, &fakeIdP{})

	s := loggedInSession(t, f, nil)
	step, err := f.Authorize(t.Context(), s, &AuthRequest{
		APIID: "orders", ClientID: "client-1", ResponseType: ResponseTypeCode,
	})
	require.NoError(t, err)
	require.Equal(t, StepSelectNamespace, step.Kind)
	assert.Equal(t, []string{"acme", "globex"}, step.Namespaces)

	step, err = f.SelectNamespace(t.Context(), s, "acme")
	require.NoError(t, err)
	require.Equal(t, StepRedirect, step.Kind)
	assert.Equal(t, "sub=u-1;namespace=acme", g.lastAuthorize.AuthenticatedUserID)

	entry, err := f.profiles.Retrieve(t.Context(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "sub=u-1;namespace=acme", entry.AuthenticatedUserID)
	assert.Contains(t, step.Redirect, "namespace=acme")
}

func TestSelectNamespaceRejectsUnknown(t *testing.T) {
	p := newFakePortal()
	seedAPI(p, true)
	p.apis["orders"].RegistrationPool = "partners"
	p.pools["partners"] = &portal.Pool{ID: "partners", RequiresNamespace: true}
	p.regs["partners|u-1"] = []portal.Registration{
		{UserID: "u-1", PoolID: "partners", Namespace: "acme"},
		{UserID: "u-1", PoolID: "partners", Namespace: "globex"},
	}
	f := newTestFlow(t, p, &fakeGateway{authorizeRedirect: "https://app.example.com/cb?code=x"}, &fakeIdP{})

	s := loggedInSession(t, f, nil)
	_, err := f.Authorize(t.Context(), s, &AuthRequest{
		APIID: "orders", ClientID: "client-1", ResponseType: ResponseTypeCode,
	})
	require.NoError(t, err)

	_, err = f.SelectNamespace(t.Context(), s, "initech")
	requireOAuthError(t, err, "invalid_request")
}

func TestRegistrationForm(t *testing.T) {
	p := newFakePortal()
	seedAPI(p, true)
	p.apis["orders"].RegistrationPool = "partners"
	p.pools["partners"] = &portal.Pool{ID: "partners", Name: "Partners"}
	g := &fakeGateway{authorizeRedirect: "https://app.example.com/cb?code=abc"}
	f := newTestFlow(t, p, g, &fakeIdP{})

	s := loggedInSession(t, f, nil)
	step, err := f.Authorize(t.Context(), s, &AuthRequest{
		APIID: "orders", ClientID: "client-1", ResponseType: ResponseTypeCode,
	})
	require.NoError(t, err)
	require.Equal(t, StepRegister, step.Kind)
	require.NotEmpty(t, step.Register.Nonce)

	// a stale or forged nonce never reaches the portal
	_, err = f.SubmitRegistration(t.Context(), s, "forged", "Ada L.")
	requireOAuthError(t, err, "access_denied")
	assert.Empty(t, p.upsertedRegs)

	// re-render to get a fresh nonce, then submit for real
	step, err = f.Resume(t.Context(), s, nil)
	require.NoError(t, err)
	require.Equal(t, StepRegister, step.Kind)

	step, err = f.SubmitRegistration(t.Context(), s, step.Register.Nonce, "Ada L.")
	require.NoError(t, err)
	assert.Equal(t, StepRedirect, step.Kind)
	require.Len(t, p.upsertedRegs, 1)
	assert.Equal(t, "Ada L.", p.upsertedRegs[0].Name)

	entry, err := f.profiles.Retrieve(t.Context(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", entry.Profile.Name)
}

func TestRegistrationClosedPool(t *testing.T) {
	p := newFakePortal()
	seedAPI(p, true)
	p.apis["orders"].RegistrationPool = "partners"
	p.pools["partners"] = &portal.Pool{ID: "partners", DisableRegister: true}
	f := newTestFlow(t, p, &fakeGateway{}, &fakeIdP{})

	s := loggedInSession(t, f, nil)
	_, err := f.Authorize(t.Context(), s, &AuthRequest{
		APIID: "orders", ClientID: "client-1", ResponseType: ResponseTypeCode,
	})
	requireOAuthError(t, err, "access_denied")
}

func TestResumeCreatesFederatedUser(t *testing.T) {
	p := newFakePortal()
	seedAPI(p, true)
	g := &fakeGateway{authorizeRedirect: "https://app.example.com/cb?code=abc"}
	f := newTestFlow(t, p, g, &fakeIdP{})

	s := &session.Session{ID: "s"}
	step, err := f.Authorize(t.Context(), s, &AuthRequest{
		APIID: "orders", ClientID: "client-1", ResponseType: ResponseTypeCode,
	})
	require.NoError(t, err)
	require.Equal(t, StepLogin, step.Kind)

	step, err = f.Resume(t.Context(), s, &AuthResponse{
		CustomID: "google:12345",
		DefaultProfile: profile.OIDCProfile{
			Sub: "12345", Email: "new@example.com", EmailVerified: true,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StepRedirect, step.Kind)

	require.Len(t, p.createdUsers, 1)
	assert.Equal(t, "google:12345", p.createdUsers[0].CustomID)
	assert.True(t, strings.HasPrefix(g.lastAuthorize.AuthenticatedUserID, "sub=created-"))
}

func TestResumeWithoutRequestFails(t *testing.T) {
	f := newTestFlow(t, newFakePortal(), &fakeGateway{}, &fakeIdP{})
	_, err := f.Resume(t.Context(), &session.Session{ID: "s"}, &AuthResponse{})
	requireOAuthError(t, err, "invalid_request")
}

func TestPassthroughUsersForwardSubVerbatim(t *testing.T) {
	p := newFakePortal()
	seedAPI(p, true)
	p.apis["orders"].PassthroughUsers = true
	g := &fakeGateway{authorizeRedirect: "https://app.example.com/cb?code=abc"}
	f := newTestFlow(t, p, g, &fakeIdP{})

	s := &session.Session{ID: "s"}
	require.NoError(t, SaveMethodState(s, "default", &MethodState{
		AuthRequest: nil,
		AuthResponse: &AuthResponse{
			CustomID:       "upstream:ext-9",
			DefaultProfile: profile.OIDCProfile{Sub: "ext-9"},
			Profile:        &profile.OIDCProfile{Sub: "ext-9"},
		},
	}))

	step, err := f.Authorize(t.Context(), s, &AuthRequest{
		APIID: "orders", ClientID: "client-1", ResponseType: ResponseTypeCode,
	})
	require.NoError(t, err)
	assert.Equal(t, StepRedirect, step.Kind)
	assert.Equal(t, "ext-9", g.lastAuthorize.AuthenticatedUserID)
	assert.Empty(t, p.createdUsers, "passthrough APIs never create portal users")
}

func TestPlainLoginRedirectsWhenAuthenticated(t *testing.T) {
	f := newTestFlow(t, newFakePortal(), &fakeGateway{}, &fakeIdP{})

	s := &session.Session{ID: "s"}
	step, err := f.PlainLogin(t.Context(), s, "https://portal.example.com/")
	require.NoError(t, err)
	assert.Equal(t, StepLogin, step.Kind)

	require.NoError(t, SaveMethodState(s, "default", &MethodState{
		AuthRequest:  &AuthRequest{Plain: true, RedirectURI: "https://portal.example.com/"},
		AuthResponse: &AuthResponse{Profile: &profile.OIDCProfile{Sub: "u-1"}},
	}))
	step, err = f.PlainLogin(t.Context(), s, "https://portal.example.com/")
	require.NoError(t, err)
	assert.Equal(t, StepRedirect, step.Kind)
	assert.Equal(t, "https://portal.example.com/", step.Redirect)
}
