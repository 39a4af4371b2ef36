package idp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	oauth2lib "github.com/256dpi/oauth2/v2"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	xoauth2 "golang.org/x/oauth2"

	"github.com/apigrid/portal-auth/internal/oauth"
	"github.com/apigrid/portal-auth/internal/profile"
	"github.com/apigrid/portal-auth/internal/security"
)

// OIDC federates authentication to an upstream OpenID Connect issuer. The
// upstream subject becomes the custom id "<method name>:<sub>", so the same
// upstream account maps to the same portal user across logins.
//
// Config keys: "issuer_url", "client_id", "client_secret" (all required),
// "scopes" (space separated, defaults to "openid profile email").
type OIDC struct {
	name     string
	conf     *xoauth2.Config
	verifier *oidc.IDTokenVerifier
	logger   zerolog.Logger

	stateCookie  string
	callbackPath string

	done oauth.ContinueFunc
}

var _ oauth.IdentityProvider = (*OIDC)(nil)

// NewOIDC discovers the issuer and builds the federation adapter. The
// callback is served under redirectBase, which must be the externally
// reachable mount URL of the auth method.
func NewOIDC(ctx context.Context, name string, cfg map[string]string, redirectBase string, logger zerolog.Logger) (*OIDC, error) {
	issuer := cfg["issuer_url"]
	clientID := cfg["client_id"]
	clientSecret := cfg["client_secret"]
	if issuer == "" || clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("idp: oidc method %q needs issuer_url, client_id and client_secret", name)
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("idp: discover oidc issuer for %q: %w", name, err)
	}

	scopes := strings.Fields(cfg["scopes"])
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	redirectURL := redirectBase + "/callback"
	callbackPath := "/callback"
	if u, err := url.Parse(redirectURL); err == nil && u.Path != "" {
		callbackPath = u.Path
	}

	return &OIDC{
		name: name,
		conf: &xoauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  redirectURL,
			Scopes:       scopes,
		},
		verifier:     provider.Verifier(&oidc.Config{ClientID: clientID}),
		logger:       logger.With().Str("component", "idp_oidc").Str("auth_method", name).Logger(),
		stateCookie:  "portal-auth.oidc." + name,
		callbackPath: callbackPath,
	}, nil
}

// Type names the provider implementation.
func (o *OIDC) Type() string {
	return TypeOIDC
}

// Endpoints lists the provider's own routes for the auth method index.
func (o *OIDC) Endpoints() []string {
	return []string{"/callback"}
}

// AuthorizeWithUI redirects the browser to the upstream authorization
// endpoint with a fresh state bound to a short lived cookie.
func (o *OIDC) AuthorizeWithUI(w http.ResponseWriter, r *http.Request) error {
	state, err := security.RandomToken(32)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     o.stateCookie,
		Value:    state,
		Path:     o.callbackPath,
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, o.conf.AuthCodeURL(state), http.StatusFound)
	return nil
}

// AuthorizeByUserPass is not supported: the upstream issuer owns the
// credentials, so the resource owner password grant cannot work here.
func (o *OIDC) AuthorizeByUserPass(context.Context, string, string) (*oauth.AuthResponse, error) {
	return nil, oauth2lib.InvalidRequest("password authentication is not supported by this auth method")
}

// CheckRefreshToken allows the refresh. The upstream session is not
// revalidated; revocation happens through the portal user, which the flow
// checks separately.
func (o *OIDC) CheckRefreshToken(context.Context, string, *profile.OIDCProfile) error {
	return nil
}

// RegisterRoutes mounts the federation callback.
func (o *OIDC) RegisterRoutes(r chi.Router, done oauth.ContinueFunc) {
	o.done = done
	r.Get("/callback", o.callback)
}

func (o *OIDC) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cookie, err := r.Cookie(o.stateCookie)
	if err != nil || !security.TokensMatch(cookie.Value, r.URL.Query().Get("state")) {
		o.logger.Warn().Msg("oidc callback with missing or mismatched state")
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: o.stateCookie, Path: o.callbackPath, MaxAge: -1})

	if desc := r.URL.Query().Get("error"); desc != "" {
		o.logger.Warn().Str("error", desc).Msg("upstream issuer denied the authorization")
		http.Error(w, "authentication failed upstream", http.StatusBadGateway)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	token, err := o.conf.Exchange(ctx, code)
	if err != nil {
		o.logger.Error().Err(err).Msg("oidc code exchange failed")
		http.Error(w, "authentication failed upstream", http.StatusBadGateway)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		o.logger.Error().Msg("oidc token response carried no id_token")
		http.Error(w, "authentication failed upstream", http.StatusBadGateway)
		return
	}

	idToken, err := o.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		o.logger.Error().Err(err).Msg("oidc id token verification failed")
		http.Error(w, "authentication failed upstream", http.StatusBadGateway)
		return
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		o.logger.Error().Err(err).Msg("oidc id token claims could not be decoded")
		http.Error(w, "authentication failed upstream", http.StatusBadGateway)
		return
	}

	o.done(w, r, &oauth.AuthResponse{
		CustomID: o.name + ":" + idToken.Subject,
		DefaultProfile: profile.OIDCProfile{
			Sub:           idToken.Subject,
			Email:         claims.Email,
			EmailVerified: claims.EmailVerified,
			Name:          claims.Name,
		},
	})
}
