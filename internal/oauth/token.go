// Token side of the OAuth2 contract: the four grant types served by
// POST /api/{apiId}/token.
//
// Purpose:
//
//	Token validates the client against its portal subscription and
//	dispatches per grant type. client_credentials and authorization_code
//	delegate almost directly to the gateway; password and refresh_token
//	are the specializations that re-run parts of the authorize state
//	machine without a browser.
//
// Key Responsibilities:
//   - Enforce the password grant preconditions (trusted subscription,
//     confidential client secret rules) with the mandatory failure delay
//   - Migrate a code's profile entry to the issued token pair on exchange
//   - Drive the four refresh modes, including the passthrough-scope
//     rewrite to a password grant
//
// Error Handling:
//   - Everything surfaces as *oauth2.Error; the router writes it as JSON
package oauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/256dpi/oauth2/v2"

	"github.com/apigrid/portal-auth/internal/audit"
	"github.com/apigrid/portal-auth/internal/gateway"
	"github.com/apigrid/portal-auth/internal/metrics"
	"github.com/apigrid/portal-auth/internal/portal"
	"github.com/apigrid/portal-auth/internal/profile"
	"github.com/apigrid/portal-auth/internal/security"
)

// TokenInput is one parsed token request, normalized from form or JSON.
type TokenInput struct {
	APIID        string
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	Username     string
	Password     string
	RefreshToken string
	Scope        []string
}

// Token serves the token endpoint for one API. The response is the
// gateway's token payload, passed through to the client.
func (f *Flow) Token(ctx context.Context, in *TokenInput) (*gateway.TokenResponse, error) {
	res, err := f.token(ctx, in)
	if err != nil {
		metrics.RecordTokenIssued(in.GrantType, "failure")
		return nil, err
	}
	metrics.RecordTokenIssued(in.GrantType, "success")
	return res, nil
}

func (f *Flow) token(ctx context.Context, in *TokenInput) (*gateway.TokenResponse, error) {
	switch in.GrantType {
	case gateway.GrantClientCredentials:
		return f.clientCredentialsGrant(ctx, in)
	case gateway.GrantAuthorizationCode:
		return f.authorizationCodeGrant(ctx, in)
	case gateway.GrantPassword:
		return f.passwordGrant(ctx, in)
	case gateway.GrantRefreshToken:
		return f.refreshGrant(ctx, in)
	default:
		return nil, oauth2.UnsupportedGrantType(fmt.Sprintf("grant type %s is not supported", in.GrantType))
	}
}

// tokenSubscription resolves the client id to its subscription and checks it
// belongs to the requested API.
func (f *Flow) tokenSubscription(ctx context.Context, in *TokenInput) (*portal.SubscriptionInfo, error) {
	info, err := f.portal.GetSubscription(ctx, in.ClientID)
	if err != nil {
		if errors.Is(err, portal.ErrNotFound) {
			return nil, oauth2.InvalidClient("unknown client id")
		}
		return nil, err
	}
	if info.Subscription.API != in.APIID {
		return nil, oauth2.InvalidRequest(fmt.Sprintf("client is not subscribed to API %s", in.APIID))
	}
	return info, nil
}

// clientCredentialsGrant delegates straight to the gateway; the gateway
// verifies the client secret. The requested scope is still validated against
// the API's catalogue here.
func (f *Flow) clientCredentialsGrant(ctx context.Context, in *TokenInput) (*gateway.TokenResponse, error) {
	info, err := f.tokenSubscription(ctx, in)
	if err != nil {
		return nil, err
	}
	api, err := f.portal.GetAPI(ctx, in.APIID)
	if err != nil {
		return nil, err
	}
	scope, _, err := ValidateScope(in.Scope, api, info.Subscription.Trusted)
	if err != nil {
		return nil, err
	}
	return f.gateway.Token(ctx, gateway.TokenRequest{
		APIID:        in.APIID,
		GrantType:    gateway.GrantClientCredentials,
		ClientID:     in.ClientID,
		ClientSecret: in.ClientSecret,
		Scope:        scope,
	})
}

// authorizationCodeGrant exchanges a code at the gateway and migrates the
// profile entry from the code to the issued token pair.
func (f *Flow) authorizationCodeGrant(ctx context.Context, in *TokenInput) (*gateway.TokenResponse, error) {
	if _, err := f.tokenSubscription(ctx, in); err != nil {
		return nil, err
	}

	entry, err := f.profiles.Retrieve(ctx, in.Code)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			f.delay(ctx)
			return nil, oauth2.InvalidRequest("unknown or expired authorization code")
		}
		return nil, err
	}

	res, err := f.gateway.Token(ctx, gateway.TokenRequest{
		APIID:        in.APIID,
		GrantType:    gateway.GrantAuthorizationCode,
		ClientID:     in.ClientID,
		ClientSecret: in.ClientSecret,
		Code:         in.Code,
		RedirectURI:  in.RedirectURI,
	})
	if err != nil {
		return nil, err
	}

	entry.AccessToken = res.AccessToken
	entry.RefreshToken = res.RefreshToken
	if err := f.profiles.RegisterTokens(ctx, *entry); err != nil {
		return nil, err
	}
	// The code is spent; removal is best effort, the TTL covers the rest.
	_ = f.profiles.Delete(ctx, in.Code)

	event := audit.BuildEvent(f.authMethodID, audit.ActionTokenIssue, entry.Profile.Sub)
	event.APIID = in.APIID
	event.ClientID = in.ClientID
	event.GrantType = in.GrantType
	_ = f.audit.Emit(ctx, event)

	return res, nil
}

// passwordGrant authenticates the resource owner through the IdP and mints
// through the gateway. Every failure before the gateway call is delayed to
// resist timing and enumeration probes.
func (f *Flow) passwordGrant(ctx context.Context, in *TokenInput) (*gateway.TokenResponse, error) {
	info, err := f.tokenSubscription(ctx, in)
	if err != nil {
		f.delay(ctx)
		return nil, err
	}
	if !info.Subscription.Trusted {
		f.delay(ctx)
		return nil, oauth2.InvalidRequest("the password grant requires a trusted subscription")
	}
	if info.Application.Confidential {
		if !security.TokensMatch(info.Subscription.ClientSecret, in.ClientSecret) {
			f.delay(ctx)
			return nil, oauth2.InvalidClient("invalid client secret")
		}
	} else if in.ClientSecret != "" {
		f.delay(ctx)
		return nil, oauth2.InvalidRequest("a public application must not present a client secret")
	}

	api, err := f.portal.GetAPI(ctx, in.APIID)
	if err != nil {
		return nil, err
	}
	if !apiServedByMethod(api, f.authMethodID) {
		f.delay(ctx)
		return nil, oauth2.InvalidRequest(fmt.Sprintf("API %s is not served by auth method %s", api.ID, f.authMethodID))
	}
	// The subscription is trusted, so the scope resolves to the full
	// catalogue regardless of what was asked for.
	scope, _, err := ValidateScope(in.Scope, api, true)
	if err != nil {
		return nil, err
	}

	res, err := f.idp.AuthorizeByUserPass(ctx, in.Username, in.Password)
	if err != nil {
		f.delay(ctx)
		metrics.RecordLogin(f.authMethodID, "failure")
		_ = f.audit.Emit(ctx, audit.BuildEvent(f.authMethodID, audit.ActionLoginFailure, in.Username))
		var oauthErr *oauth2.Error
		if errors.As(err, &oauthErr) {
			return nil, oauthErr
		}
		return nil, oauth2.AccessDenied("invalid username or password")
	}
	metrics.RecordLogin(f.authMethodID, "success")

	userID, err := f.passwordUserID(ctx, api, res)
	if err != nil {
		f.delay(ctx)
		return nil, err
	}
	scope = MergeGroupScopes(scope, res.Groups)

	if api.PassthroughScopeURL != "" {
		decision, err := f.scopes.Resolve(ctx, api.PassthroughScopeURL, ScopeRequest{
			APIID:    in.APIID,
			ClientID: in.ClientID,
			Scope:    scope,
			Profile:  *res.Profile,
		})
		if err != nil {
			return nil, oauth2.ServerError("scope resolution failed")
		}
		if !decision.Allow {
			return nil, oauth2.AccessDenied(decision.ErrorMessage)
		}
		scope = decision.AuthenticatedScope
		if decision.AuthenticatedUserID != "" {
			userID = decision.AuthenticatedUserID
		}
	}

	tokenRes, err := f.gateway.Token(ctx, gateway.TokenRequest{
		APIID:               in.APIID,
		GrantType:           gateway.GrantPassword,
		ClientID:            in.ClientID,
		ClientSecret:        in.ClientSecret,
		AuthenticatedUserID: userID,
		Scope:               scope,
	})
	if err != nil {
		return nil, err
	}

	if err := f.profiles.RegisterTokens(ctx, profile.Entry{
		Profile:             *res.Profile,
		APIID:               in.APIID,
		AccessToken:         tokenRes.AccessToken,
		RefreshToken:        tokenRes.RefreshToken,
		AuthenticatedUserID: userID,
		Scope:               scope,
	}); err != nil {
		return nil, err
	}

	event := audit.BuildEvent(f.authMethodID, audit.ActionTokenIssue, res.UserID)
	event.APIID = in.APIID
	event.ClientID = in.ClientID
	event.GrantType = in.GrantType
	_ = f.audit.Emit(ctx, event)

	return tokenRes, nil
}

// passwordUserID reconciles the authenticated user and derives the
// authenticated_userid the gateway binds the token to. With a
// namespace-required pool the id enumerates all the user's namespaces, since
// the password grant has no selection UI.
func (f *Flow) passwordUserID(ctx context.Context, api *portal.API, res *AuthResponse) (string, error) {
	if api.PassthroughUsers {
		res.UserID = ""
		res.Groups = nil
		p := res.DefaultProfile
		res.Profile = &p
		return res.Profile.Sub, nil
	}

	if err := f.reconcileUser(ctx, res); err != nil {
		return "", err
	}
	if api.RegistrationPool == "" {
		applyDefaultProfile(res)
		return AuthenticatedUserID(res.UserID, "", nil), nil
	}

	pool, err := f.portal.GetPool(ctx, api.RegistrationPool)
	if err != nil {
		return "", err
	}
	regs, err := f.portal.GetRegistrations(ctx, pool.ID, res.UserID)
	if err != nil && !errors.Is(err, portal.ErrNotFound) {
		return "", err
	}
	if len(regs) == 0 {
		return "", oauth2.AccessDenied(fmt.Sprintf("user is not registered in pool %s", pool.ID))
	}
	applyRegistration(res, &regs[0])

	if pool.RequiresNamespace {
		namespaces := make([]string, 0, len(regs))
		for _, reg := range regs {
			namespaces = append(namespaces, reg.Namespace)
		}
		return AuthenticatedUserID(res.UserID, "", namespaces), nil
	}
	return AuthenticatedUserID(res.UserID, "", nil), nil
}

// refreshGrant drives the four refresh modes, keyed off the API's
// passthrough configuration.
func (f *Flow) refreshGrant(ctx context.Context, in *TokenInput) (*gateway.TokenResponse, error) {
	if _, err := f.tokenSubscription(ctx, in); err != nil {
		return nil, err
	}

	entry, err := f.profiles.Retrieve(ctx, in.RefreshToken)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			f.delay(ctx)
			return nil, oauth2.InvalidRequest("unknown or expired refresh token")
		}
		return nil, err
	}
	if entry.APIID != in.APIID {
		return nil, oauth2.InvalidRequest("the refresh token was issued for a different API")
	}

	api, err := f.portal.GetAPI(ctx, in.APIID)
	if err != nil {
		return nil, err
	}

	switch {
	case !api.PassthroughUsers && api.PassthroughScopeURL == "":
		return f.refreshLocalUser(ctx, in, api, entry)
	case api.PassthroughUsers && api.PassthroughScopeURL == "":
		return nil, oauth2.ServerError("refresh is not supported for passthrough APIs without a scope service")
	case !api.PassthroughUsers && api.PassthroughScopeURL != "":
		return nil, oauth2.ServerError("refresh with an external scope service is not supported for locally managed users")
	default:
		return f.refreshPassthroughScope(ctx, in, api, entry)
	}
}

// refreshLocalUser re-mints for a portal-managed user: the IdP vets the
// refresh, the user must still exist, then the gateway rotates the pair.
func (f *Flow) refreshLocalUser(ctx context.Context, in *TokenInput, api *portal.API, entry *profile.Entry) (*gateway.TokenResponse, error) {
	sub := ParseAuthenticatedSub(entry.AuthenticatedUserID)
	if sub == "" {
		return nil, oauth2.ServerError("stored token carries no user id")
	}
	if err := f.idp.CheckRefreshToken(ctx, entry.AuthenticatedUserID, &entry.Profile); err != nil {
		f.delay(ctx)
		return nil, oauth2.AccessDenied("the identity provider rejected the refresh")
	}
	if _, err := f.portal.GetUser(ctx, sub); err != nil {
		if errors.Is(err, portal.ErrNotFound) {
			f.delay(ctx)
			return nil, oauth2.InvalidRequest("user no longer exists")
		}
		return nil, err
	}

	res, err := f.gateway.Token(ctx, gateway.TokenRequest{
		APIID:        in.APIID,
		GrantType:    gateway.GrantRefreshToken,
		ClientID:     in.ClientID,
		ClientSecret: in.ClientSecret,
		RefreshToken: in.RefreshToken,
	})
	if err != nil {
		return nil, err
	}

	next := *entry
	next.AccessToken = res.AccessToken
	next.RefreshToken = res.RefreshToken
	if err := f.profiles.RegisterTokens(ctx, next); err != nil {
		return nil, err
	}

	event := audit.BuildEvent(f.authMethodID, audit.ActionTokenRefresh, sub)
	event.APIID = in.APIID
	event.ClientID = in.ClientID
	event.GrantType = in.GrantType
	_ = f.audit.Emit(ctx, event)

	return res, nil
}

// refreshPassthroughScope re-resolves scope externally and rewrites the
// refresh into a password grant with the identity the scope service returns.
func (f *Flow) refreshPassthroughScope(ctx context.Context, in *TokenInput, api *portal.API, entry *profile.Entry) (*gateway.TokenResponse, error) {
	decision, err := f.scopes.Resolve(ctx, api.PassthroughScopeURL, ScopeRequest{
		APIID:    in.APIID,
		ClientID: in.ClientID,
		Scope:    StripSyntheticScopes(entry.Scope),
		Profile:  entry.Profile,
	})
	if err != nil {
		return nil, oauth2.ServerError("scope resolution failed")
	}
	if !decision.Allow {
		return nil, oauth2.AccessDenied(decision.ErrorMessage)
	}

	res, err := f.gateway.Token(ctx, gateway.TokenRequest{
		APIID:               in.APIID,
		GrantType:           gateway.GrantPassword,
		ClientID:            in.ClientID,
		ClientSecret:        in.ClientSecret,
		AuthenticatedUserID: decision.AuthenticatedUserID,
		Scope:               decision.AuthenticatedScope,
	})
	if err != nil {
		return nil, err
	}

	next := *entry
	next.AccessToken = res.AccessToken
	next.RefreshToken = res.RefreshToken
	next.AuthenticatedUserID = decision.AuthenticatedUserID
	next.Scope = decision.AuthenticatedScope
	if err := f.profiles.RegisterTokens(ctx, next); err != nil {
		return nil, err
	}
	// The pair was replaced wholesale; drop the superseded access token.
	_ = f.profiles.Delete(ctx, entry.AccessToken)

	event := audit.BuildEvent(f.authMethodID, audit.ActionTokenRefresh, entry.Profile.Sub)
	event.APIID = in.APIID
	event.ClientID = in.ClientID
	event.GrantType = in.GrantType
	_ = f.audit.Emit(ctx, event)

	return res, nil
}
