// Flow engine for the authorize side of the OAuth2 contract.
//
// Purpose:
//
//	This file implements the state machine that carries a browser from
//	GET /api/{apiId}/authorize to a gateway-issued code or token:
//	subscription and scope validation, session check, interactive login,
//	user reconciliation against the portal API, registration pool
//	membership (with namespace selection), scope consent or passthrough
//	scope resolution, and finally delegated minting at the gateway.
//
// Key Responsibilities:
//   - Authorize validates the request and decides between resuming a live
//     session and handing off to the IdP
//   - Resume picks the flow back up after authentication
//   - SubmitRegistration / SelectNamespace / SubmitConsent are the
//     POST continuations of the interactive steps
//   - Every issued code or token is registered in the profile store before
//     the redirect is produced
//
// Debugging Notes:
//   - The engine never writes HTTP responses; it returns a Step the router
//     renders, or an *oauth2.Error the router emits per flow kind
//   - Session state is mutated here but persisted by the router, so the
//     response is only written once the state is safe
//
// Error Handling:
//   - Validation failures return the most specific OAuth2 error
//   - Portal and gateway failures pass through AsOAuth2Error at the router
package oauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/256dpi/oauth2/v2"
	"github.com/rs/zerolog"

	"github.com/apigrid/portal-auth/internal/audit"
	"github.com/apigrid/portal-auth/internal/gateway"
	"github.com/apigrid/portal-auth/internal/metrics"
	"github.com/apigrid/portal-auth/internal/portal"
	"github.com/apigrid/portal-auth/internal/profile"
	"github.com/apigrid/portal-auth/internal/security"
	"github.com/apigrid/portal-auth/internal/session"
)

// PortalAPI is the slice of the portal client the flow engine consumes.
// *portal.Client satisfies it; tests substitute fakes.
type PortalAPI interface {
	GetSubscription(ctx context.Context, clientID string) (*portal.SubscriptionInfo, error)
	GetAPI(ctx context.Context, apiID string) (*portal.API, error)
	GetApplication(ctx context.Context, appID string) (*portal.Application, error)
	GetUser(ctx context.Context, userID string) (*portal.User, error)
	GetUserByCustomID(ctx context.Context, customID string) (*portal.User, error)
	CreateUser(ctx context.Context, nu portal.NewUser) (*portal.User, error)
	GetRegistrations(ctx context.Context, poolID, userID string) ([]portal.Registration, error)
	UpsertRegistration(ctx context.Context, reg portal.Registration) error
	GetPool(ctx context.Context, poolID string) (*portal.Pool, error)
	ValidNamespace(ctx context.Context, poolID, namespace string) (bool, error)
	GetGrant(ctx context.Context, userID, appID, apiID string) (*portal.Grant, error)
	UpsertGrant(ctx context.Context, grant portal.Grant) error
}

// TokenMinter is the slice of the gateway client the flow engine consumes.
type TokenMinter interface {
	Authorize(ctx context.Context, req gateway.AuthorizeRequest) (string, error)
	Token(ctx context.Context, req gateway.TokenRequest) (*gateway.TokenResponse, error)
}

// StepKind tells the router what to render next.
type StepKind int

const (
	// StepRedirect sends the browser to Step.Redirect.
	StepRedirect StepKind = iota + 1
	// StepLogin hands control to the IdP's interactive authentication.
	StepLogin
	// StepConsent renders the scope consent page.
	StepConsent
	// StepSelectNamespace renders the namespace selection page.
	StepSelectNamespace
	// StepRegister renders the registration form.
	StepRegister
)

// ConsentData is what the consent page shows.
type ConsentData struct {
	Application    portal.Application
	API            *portal.API
	MissingGrants  []string
	ExistingGrants []string
}

// RegisterData is what the registration form shows.
type RegisterData struct {
	Pool    *portal.Pool
	Nonce   string
	Profile profile.OIDCProfile
}

// Step is the flow engine's instruction to the router.
type Step struct {
	Kind       StepKind
	Redirect   string
	Consent    *ConsentData
	Register   *RegisterData
	Namespaces []string
}

// Options wires one flow engine instance for one auth method.
type Options struct {
	AuthMethodID string
	IdP          IdentityProvider
	Portal       PortalAPI
	Gateway      TokenMinter
	Profiles     *profile.Store
	Scopes       *ScopeClient
	Audit        audit.Emitter
	Logger       zerolog.Logger
}

// Flow drives the authorize and token state machines for one auth method.
// Safe for concurrent use; per-browser state lives in the session.
type Flow struct {
	authMethodID string
	idp          IdentityProvider
	portal       PortalAPI
	gateway      TokenMinter
	profiles     *profile.Store
	scopes       *ScopeClient
	audit        audit.Emitter
	logger       zerolog.Logger

	// delay implements the mandatory slowdown on authentication failures.
	delay func(context.Context)
}

// NewFlow creates the flow engine for one auth method.
func NewFlow(opts Options) *Flow {
	emitter := opts.Audit
	if emitter == nil {
		emitter = audit.NewNoopEmitter()
	}
	return &Flow{
		authMethodID: opts.AuthMethodID,
		idp:          opts.IdP,
		portal:       opts.Portal,
		gateway:      opts.Gateway,
		profiles:     opts.Profiles,
		scopes:       opts.Scopes,
		audit:        emitter,
		logger:       opts.Logger.With().Str("component", "flow").Str("auth_method", opts.AuthMethodID).Logger(),
		delay:        func(ctx context.Context) { security.Delay(ctx) },
	}
}

// IdP exposes the auth method's identity provider to the router.
func (f *Flow) IdP() IdentityProvider {
	return f.idp
}

// Authorize validates an authorize request, stores it in the session and
// either resumes with the session's authentication or asks for a login.
func (f *Flow) Authorize(ctx context.Context, s *session.Session, req *AuthRequest) (*Step, error) {
	if req.ResponseType != ResponseTypeCode && req.ResponseType != ResponseTypeToken {
		return nil, oauth2.UnsupportedResponseType(fmt.Sprintf("response type %s is not supported", req.ResponseType))
	}

	info, err := f.portal.GetSubscription(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, portal.ErrNotFound) {
			return nil, oauth2.InvalidClient("unknown client id")
		}
		return nil, err
	}
	if info.Subscription.API != req.APIID {
		return nil, oauth2.InvalidRequest(fmt.Sprintf("client is not subscribed to API %s", req.APIID))
	}
	req.AppID = info.Subscription.Application
	req.Trusted = info.Subscription.Trusted

	if err := resolveRedirectURI(req, &info.Application); err != nil {
		return nil, err
	}
	// From here errors may be redirected back to the client.
	s.SetRedirectURI(req.RedirectURI)

	api, err := f.portal.GetAPI(ctx, req.APIID)
	if err != nil {
		if errors.Is(err, portal.ErrNotFound) {
			return nil, oauth2.InvalidRequest(fmt.Sprintf("unknown API %s", req.APIID))
		}
		return nil, err
	}
	if !apiServedByMethod(api, f.authMethodID) {
		return nil, oauth2.InvalidRequest(fmt.Sprintf("API %s is not served by auth method %s", api.ID, f.authMethodID))
	}

	scope, scopesDiffer, err := ValidateScope(req.Scope, api, req.Trusted)
	if err != nil {
		return nil, err
	}
	req.Scope = scope
	req.ScopesDiffer = scopesDiffer

	ms, err := LoadMethodState(s, f.authMethodID)
	if err != nil {
		return nil, err
	}
	// A new authorize call replaces the previous request; the
	// authentication survives so an active session skips the login.
	ms.AuthRequest = req
	ms.Grant = nil
	ms.RegistrationNonce = ""
	// Stored before the prompt check so error redirects carry the state.
	if err := SaveMethodState(s, f.authMethodID, ms); err != nil {
		return nil, err
	}

	loggedIn := ms.AuthResponse.LoggedIn()
	switch {
	case req.Prompt == PromptNone && !loggedIn:
		return nil, LoginRequired("user is not authenticated")
	case req.Prompt == PromptLogin:
		ms.AuthResponse = nil
		loggedIn = false
	}

	if !loggedIn {
		if err := SaveMethodState(s, f.authMethodID, ms); err != nil {
			return nil, err
		}
		return &Step{Kind: StepLogin}, nil
	}
	return f.continueFlow(ctx, s, ms, api)
}

// PlainLogin starts an interactive login without a client application; the
// flow ends back at redirectURI instead of minting anything.
func (f *Flow) PlainLogin(ctx context.Context, s *session.Session, redirectURI string) (*Step, error) {
	if redirectURI == "" {
		return nil, oauth2.InvalidRequest("redirect_uri is required")
	}
	ms, err := LoadMethodState(s, f.authMethodID)
	if err != nil {
		return nil, err
	}
	ms.AuthRequest = &AuthRequest{Plain: true, RedirectURI: redirectURI}
	ms.Grant = nil
	ms.RegistrationNonce = ""
	s.SetRedirectURI(redirectURI)

	if ms.AuthResponse.LoggedIn() {
		if err := SaveMethodState(s, f.authMethodID, ms); err != nil {
			return nil, err
		}
		return &Step{Kind: StepRedirect, Redirect: redirectURI}, nil
	}
	if err := SaveMethodState(s, f.authMethodID, ms); err != nil {
		return nil, err
	}
	return &Step{Kind: StepLogin}, nil
}

// Resume continues the stored flow after the IdP authenticated the user.
// A nil res reuses the session's authentication.
func (f *Flow) Resume(ctx context.Context, s *session.Session, res *AuthResponse) (*Step, error) {
	ms, err := LoadMethodState(s, f.authMethodID)
	if err != nil {
		return nil, err
	}
	if ms.AuthRequest == nil {
		return nil, oauth2.InvalidRequest("no authorization request in progress")
	}
	if res != nil {
		ms.AuthResponse = res
	}
	if ms.AuthResponse == nil {
		return nil, LoginRequired("user is not authenticated")
	}

	if ms.AuthRequest.Plain {
		if err := f.reconcileUser(ctx, ms.AuthResponse); err != nil {
			return nil, err
		}
		applyDefaultProfile(ms.AuthResponse)
		if err := SaveMethodState(s, f.authMethodID, ms); err != nil {
			return nil, err
		}
		return &Step{Kind: StepRedirect, Redirect: ms.AuthRequest.RedirectURI}, nil
	}

	api, err := f.portal.GetAPI(ctx, ms.AuthRequest.APIID)
	if err != nil {
		return nil, err
	}
	return f.continueFlow(ctx, s, ms, api)
}

// continueFlow runs user reconciliation, registration and the authorize
// decision for an authenticated session.
func (f *Flow) continueFlow(ctx context.Context, s *session.Session, ms *MethodState, api *portal.API) (*Step, error) {
	res := ms.AuthResponse

	if api.PassthroughUsers {
		// Passthrough APIs keep no local users; the identity goes to the
		// gateway verbatim and groups grant nothing.
		res.UserID = ""
		res.Groups = nil
		p := res.DefaultProfile
		res.Profile = &p
		if err := SaveMethodState(s, f.authMethodID, ms); err != nil {
			return nil, err
		}
		return f.authorizeDecide(ctx, s, ms, api)
	}

	if err := f.reconcileUser(ctx, res); err != nil {
		return nil, err
	}

	if api.RegistrationPool == "" {
		applyDefaultProfile(res)
		if err := SaveMethodState(s, f.authMethodID, ms); err != nil {
			return nil, err
		}
		return f.authorizeDecide(ctx, s, ms, api)
	}
	return f.registrationFlow(ctx, s, ms, api)
}

// reconcileUser resolves the authenticated identity to a portal user,
// creating one on first federated login.
func (f *Flow) reconcileUser(ctx context.Context, res *AuthResponse) error {
	switch {
	case res.UserID != "":
		user, err := f.portal.GetUser(ctx, res.UserID)
		if err != nil {
			if errors.Is(err, portal.ErrNotFound) {
				return oauth2.AccessDenied("user no longer exists")
			}
			return err
		}
		hydrateFromUser(res, user)
	case res.CustomID != "":
		user, err := f.portal.GetUserByCustomID(ctx, res.CustomID)
		if errors.Is(err, portal.ErrNotFound) {
			user, err = f.portal.CreateUser(ctx, portal.NewUser{
				Email:     res.DefaultProfile.Email,
				CustomID:  res.CustomID,
				Validated: res.DefaultProfile.EmailVerified,
				Groups:    res.DefaultGroups,
			})
			if err == nil {
				f.logger.Info().
					Str("user_id", user.ID).
					Str("custom_id", res.CustomID).
					Msg("created portal user for federated identity")
			}
		}
		if err != nil {
			return err
		}
		res.UserID = user.ID
		hydrateFromUser(res, user)
	default:
		return oauth2.ServerError("identity provider returned neither user id nor custom id")
	}
	return nil
}

// registrationFlow enforces pool membership: pick the single registration,
// ask for a namespace, or send the user to the registration form.
func (f *Flow) registrationFlow(ctx context.Context, s *session.Session, ms *MethodState, api *portal.API) (*Step, error) {
	req, res := ms.AuthRequest, ms.AuthResponse
	res.RegistrationPool = api.RegistrationPool

	pool, err := f.portal.GetPool(ctx, api.RegistrationPool)
	if err != nil {
		if errors.Is(err, portal.ErrNotFound) {
			return nil, oauth2.ServerError(fmt.Sprintf("registration pool %s does not exist", api.RegistrationPool))
		}
		return nil, err
	}
	regs, err := f.portal.GetRegistrations(ctx, pool.ID, res.UserID)
	if err != nil && !errors.Is(err, portal.ErrNotFound) {
		return nil, err
	}

	if pool.RequiresNamespace {
		if len(regs) == 0 {
			return nil, oauth2.InvalidRequest(fmt.Sprintf("user has no registrations in pool %s, which requires a namespace", pool.ID))
		}
		var picked *portal.Registration
		switch {
		case req.Namespace != "":
			for i := range regs {
				if regs[i].Namespace == req.Namespace {
					picked = &regs[i]
					break
				}
			}
			if picked == nil {
				return nil, oauth2.InvalidRequest(fmt.Sprintf("user is not registered in namespace %s", req.Namespace))
			}
		case len(regs) == 1:
			picked = &regs[0]
		default:
			namespaces := make([]string, 0, len(regs))
			for _, reg := range regs {
				namespaces = append(namespaces, reg.Namespace)
			}
			req.ValidNamespaces = namespaces
			if err := SaveMethodState(s, f.authMethodID, ms); err != nil {
				return nil, err
			}
			return &Step{Kind: StepSelectNamespace, Namespaces: namespaces}, nil
		}
		req.Namespace = picked.Namespace
		applyRegistration(res, picked)
		if err := SaveMethodState(s, f.authMethodID, ms); err != nil {
			return nil, err
		}
		return f.authorizeDecide(ctx, s, ms, api)
	}

	if len(regs) > 0 {
		applyRegistration(res, &regs[0])
		if err := SaveMethodState(s, f.authMethodID, ms); err != nil {
			return nil, err
		}
		return f.authorizeDecide(ctx, s, ms, api)
	}
	if pool.DisableRegister {
		return nil, oauth2.AccessDenied(fmt.Sprintf("registration is closed for pool %s", pool.ID))
	}

	nonce, err := security.RandomToken(16)
	if err != nil {
		return nil, err
	}
	ms.RegistrationNonce = nonce
	if err := SaveMethodState(s, f.authMethodID, ms); err != nil {
		return nil, err
	}
	return &Step{Kind: StepRegister, Register: &RegisterData{
		Pool:    pool,
		Nonce:   nonce,
		Profile: res.DefaultProfile,
	}}, nil
}

// SubmitRegistration persists the registration form and re-enters the
// registration flow. The nonce binds the POST to the rendered form.
func (f *Flow) SubmitRegistration(ctx context.Context, s *session.Session, nonce, name string) (*Step, error) {
	ms, err := LoadMethodState(s, f.authMethodID)
	if err != nil {
		return nil, err
	}
	if ms.AuthRequest == nil || !ms.AuthResponse.LoggedIn() && ms.AuthResponse == nil {
		return nil, oauth2.InvalidRequest("no authorization request in progress")
	}
	if ms.RegistrationNonce == "" || !security.TokensMatch(ms.RegistrationNonce, nonce) {
		f.delay(ctx)
		metrics.RecordCSRFRejection()
		return nil, oauth2.AccessDenied("registration form expired, please retry")
	}
	ms.RegistrationNonce = ""

	res := ms.AuthResponse
	reg := portal.Registration{
		UserID: res.UserID,
		PoolID: res.RegistrationPool,
		Name:   name,
	}
	if err := f.portal.UpsertRegistration(ctx, reg); err != nil {
		return nil, err
	}
	metrics.RecordRegistration(res.RegistrationPool)
	event := audit.BuildEvent(f.authMethodID, audit.ActionRegistrationCreate, res.UserID)
	event.Metadata = map[string]any{"pool": res.RegistrationPool}
	_ = f.audit.Emit(ctx, event)

	api, err := f.portal.GetAPI(ctx, ms.AuthRequest.APIID)
	if err != nil {
		return nil, err
	}
	return f.registrationFlow(ctx, s, ms, api)
}

// SelectNamespace records the user's namespace choice and re-enters the
// registration flow. The router has already checked the CSRF token.
func (f *Flow) SelectNamespace(ctx context.Context, s *session.Session, namespace string) (*Step, error) {
	ms, err := LoadMethodState(s, f.authMethodID)
	if err != nil {
		return nil, err
	}
	if ms.AuthRequest == nil || ms.AuthResponse == nil {
		return nil, oauth2.InvalidRequest("no authorization request in progress")
	}
	if namespace == "" {
		return nil, oauth2.InvalidRequest("namespace is required")
	}

	valid := false
	for _, ns := range ms.AuthRequest.ValidNamespaces {
		if ns == namespace {
			valid = true
			break
		}
	}
	if !valid {
		ok, err := f.portal.ValidNamespace(ctx, ms.AuthResponse.RegistrationPool, namespace)
		if err != nil {
			return nil, err
		}
		valid = ok
	}
	if !valid {
		return nil, oauth2.InvalidRequest(fmt.Sprintf("unknown namespace %s", namespace))
	}

	ms.AuthRequest.Namespace = namespace
	api, err := f.portal.GetAPI(ctx, ms.AuthRequest.APIID)
	if err != nil {
		return nil, err
	}
	return f.registrationFlow(ctx, s, ms, api)
}

// authorizeDecide routes between immediate minting, passthrough scope
// resolution and scope consent.
func (f *Flow) authorizeDecide(ctx context.Context, s *session.Session, ms *MethodState, api *portal.API) (*Step, error) {
	req := ms.AuthRequest
	switch {
	case req.Trusted:
		return f.mint(ctx, s, ms, api, "")
	case api.PassthroughScopeURL != "":
		return f.passthroughScope(ctx, s, ms, api)
	case len(req.Scope) == 0:
		return f.mint(ctx, s, ms, api, "")
	default:
		return f.scopeConsent(ctx, s, ms, api)
	}
}

// passthroughScope delegates the scope decision to the API's external scope
// service and mints with whatever identity and scope it returns.
func (f *Flow) passthroughScope(ctx context.Context, s *session.Session, ms *MethodState, api *portal.API) (*Step, error) {
	req, res := ms.AuthRequest, ms.AuthResponse

	decision, err := f.scopes.Resolve(ctx, api.PassthroughScopeURL, ScopeRequest{
		APIID:    req.APIID,
		ClientID: req.ClientID,
		Scope:    req.Scope,
		Profile:  *res.Profile,
	})
	if err != nil {
		f.logger.Error().Err(err).Str("api_id", req.APIID).Msg("passthrough scope resolution failed")
		return nil, oauth2.ServerError("scope resolution failed")
	}
	if !decision.Allow {
		description := decision.ErrorMessage
		if description == "" {
			description = "scope was denied"
		}
		return nil, oauth2.AccessDenied(description)
	}

	req.Scope = decision.AuthenticatedScope
	if err := SaveMethodState(s, f.authMethodID, ms); err != nil {
		return nil, err
	}
	return f.mint(ctx, s, ms, api, decision.AuthenticatedUserID)
}

// scopeConsent diffs the stored grant against the requested scope and either
// mints directly or renders the consent page.
func (f *Flow) scopeConsent(ctx context.Context, s *session.Session, ms *MethodState, api *portal.API) (*Step, error) {
	req, res := ms.AuthRequest, ms.AuthResponse

	existing := []string{}
	grant, err := f.portal.GetGrant(ctx, res.UserID, req.AppID, req.APIID)
	if err != nil && !errors.Is(err, portal.ErrNotFound) {
		return nil, err
	}
	if grant != nil {
		for _, sg := range grant.Scopes {
			existing = append(existing, sg.Scope)
		}
	}

	missing := []string{}
	for _, scope := range req.Scope {
		if grant == nil || !grant.HasScope(scope) {
			missing = append(missing, scope)
		}
	}
	if len(missing) == 0 {
		return f.mint(ctx, s, ms, api, "")
	}

	ms.Grant = &GrantProcessInfo{MissingGrants: missing, ExistingGrants: existing}
	if err := SaveMethodState(s, f.authMethodID, ms); err != nil {
		return nil, err
	}
	return &Step{Kind: StepConsent, Consent: &ConsentData{
		Application:    f.applicationDisplay(ctx, req.AppID),
		API:            api,
		MissingGrants:  missing,
		ExistingGrants: existing,
	}}, nil
}

// SubmitConsent persists the user's consent decision. The router has
// already checked the CSRF token.
func (f *Flow) SubmitConsent(ctx context.Context, s *session.Session, allow bool) (*Step, error) {
	ms, err := LoadMethodState(s, f.authMethodID)
	if err != nil {
		return nil, err
	}
	if ms.AuthRequest == nil || ms.AuthResponse == nil || ms.Grant == nil {
		return nil, oauth2.InvalidRequest("no consent decision pending")
	}
	req, res := ms.AuthRequest, ms.AuthResponse

	if !allow {
		ms.Grant = nil
		if err := SaveMethodState(s, f.authMethodID, ms); err != nil {
			return nil, err
		}
		metrics.RecordConsentDecision("deny")
		_ = f.audit.Emit(ctx, audit.BuildEvent(f.authMethodID, audit.ActionConsentDeny, res.UserID))
		return nil, oauth2.AccessDenied("user denied access to the requested scope")
	}

	union := append([]string{}, ms.Grant.ExistingGrants...)
	for _, scope := range ms.Grant.MissingGrants {
		found := false
		for _, have := range union {
			if have == scope {
				found = true
				break
			}
		}
		if !found {
			union = append(union, scope)
		}
	}
	grant := portal.Grant{UserID: res.UserID, ApplicationID: req.AppID, APIID: req.APIID}
	for _, scope := range union {
		grant.Scopes = append(grant.Scopes, portal.ScopeGrant{Scope: scope})
	}
	if err := f.portal.UpsertGrant(ctx, grant); err != nil {
		return nil, err
	}
	ms.Grant = nil
	if err := SaveMethodState(s, f.authMethodID, ms); err != nil {
		return nil, err
	}
	metrics.RecordConsentDecision("allow")
	_ = f.audit.Emit(ctx, audit.BuildEvent(f.authMethodID, audit.ActionConsentAllow, res.UserID))

	api, err := f.portal.GetAPI(ctx, req.APIID)
	if err != nil {
		return nil, err
	}
	// Re-enter the consent check; with the grant stored it falls through
	// to minting.
	return f.scopeConsent(ctx, s, ms, api)
}

// mint asks the gateway for the code or token, registers the profile under
// the issued value and produces the final redirect.
func (f *Flow) mint(ctx context.Context, s *session.Session, ms *MethodState, api *portal.API, overrideUserID string) (*Step, error) {
	req, res := ms.AuthRequest, ms.AuthResponse

	userID := overrideUserID
	if userID == "" {
		if api.PassthroughUsers {
			userID = res.Profile.Sub
		} else {
			if res.UserID == "" {
				return nil, oauth2.ServerError("no portal user resolved before token issuance")
			}
			userID = AuthenticatedUserID(res.UserID, req.Namespace, nil)
		}
	}
	scope := MergeGroupScopes(req.Scope, res.Groups)

	redirect, err := f.gateway.Authorize(ctx, gateway.AuthorizeRequest{
		APIID:               req.APIID,
		ResponseType:        req.ResponseType,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		AuthenticatedUserID: userID,
		Scope:               scope,
	})
	if err != nil {
		metrics.RecordAuthorizeFlow(f.authMethodID, req.ResponseType, "error")
		return nil, err
	}

	final, err := f.registerIssued(ctx, redirect, req, profile.Entry{
		Profile:             *res.Profile,
		APIID:               req.APIID,
		AuthenticatedUserID: userID,
		Scope:               scope,
	})
	if err != nil {
		metrics.RecordAuthorizeFlow(f.authMethodID, req.ResponseType, "error")
		return nil, err
	}

	metrics.RecordAuthorizeFlow(f.authMethodID, req.ResponseType, "success")
	event := audit.BuildEvent(f.authMethodID, audit.ActionTokenIssue, res.UserID)
	event.APIID = req.APIID
	event.ClientID = req.ClientID
	event.GrantType = req.ResponseType
	_ = f.audit.Emit(ctx, event)

	return &Step{Kind: StepRedirect, Redirect: final}, nil
}

// applicationDisplay fetches display info for the consent page, falling back
// to the raw id when the lookup fails.
func (f *Flow) applicationDisplay(ctx context.Context, appID string) portal.Application {
	app, err := f.portal.GetApplication(ctx, appID)
	if err != nil {
		f.logger.Warn().Err(err).Str("app_id", appID).Msg("application lookup failed, using placeholder")
		return portal.Application{ID: appID, Name: appID}
	}
	return *app
}

func resolveRedirectURI(req *AuthRequest, app *portal.Application) error {
	registered := app.RedirectURI
	switch {
	case req.RedirectURI == "" && registered == "":
		return oauth2.InvalidRequest("no redirect_uri registered for application")
	case req.RedirectURI == "":
		req.RedirectURI = registered
	case registered != "" && req.RedirectURI != registered:
		return oauth2.InvalidRequest("redirect_uri does not match the registered redirect URI")
	}
	return nil
}

func apiServedByMethod(api *portal.API, authMethodID string) bool {
	for _, m := range api.AuthMethods {
		if m == authMethodID {
			return true
		}
	}
	return false
}

// hydrateFromUser copies the portal's view of the user into the
// authentication result.
func hydrateFromUser(res *AuthResponse, user *portal.User) {
	res.Groups = user.Groups
	if res.DefaultProfile.Email == "" {
		res.DefaultProfile.Email = user.Email
	}
	res.DefaultProfile.EmailVerified = user.Validated
}

// applyDefaultProfile finalizes the profile for APIs without a registration
// pool: the default profile with the portal user id as subject.
func applyDefaultProfile(res *AuthResponse) {
	p := res.DefaultProfile
	if res.UserID != "" {
		p.Sub = res.UserID
	}
	res.Profile = &p
}

// applyRegistration finalizes the profile from a pool registration.
func applyRegistration(res *AuthResponse, reg *portal.Registration) {
	p := res.DefaultProfile
	p.Sub = res.UserID
	if reg.Name != "" {
		p.Name = reg.Name
	}
	res.Profile = &p
}
