// Package oauth implements the OAuth2 orchestration engine: the flow state
// machine that takes an authorize or token request through scope validation,
// login, user reconciliation, registration, consent and finally delegated
// token minting at the gateway.
//
// Purpose:
//
//	This file defines the per-session flow state (AuthRequest, AuthResponse,
//	GrantProcessInfo) and the IdentityProvider capability the engine drives.
//	State is persisted per (session, auth method) through the session store,
//	so a browser can leave for a login page or an upstream IdP and resume
//	the flow on return.
//
// Key Responsibilities:
//   - AuthRequest mirrors the wire parameters of an authorize call plus the
//     flags the engine derives from the subscription (trusted, scopesDiffer)
//   - AuthResponse carries the IdP's authentication result through user
//     reconciliation and registration
//   - MethodState bundles everything stored under one auth method id
//   - IdentityProvider is the adapter contract for login implementations
//
// Thread Safety:
//   - The types here are plain data; a single browser session mutates them
//     serially via its cookie round trips
package oauth

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/apigrid/portal-auth/internal/profile"
	"github.com/apigrid/portal-auth/internal/session"
)

// Response type and prompt literals used on the authorize wire.
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"

	PromptNone  = "none"
	PromptLogin = "login"
)

// AuthRequest is the validated state of one authorize call. It is created
// when the authorize endpoint is hit, mutated only by the flow engine, and
// destroyed when the session ends or a new authorize call replaces it.
type AuthRequest struct {
	APIID        string   `json:"api_id"`
	ClientID     string   `json:"client_id"`
	ResponseType string   `json:"response_type"`
	RedirectURI  string   `json:"redirect_uri"`
	State        string   `json:"state,omitempty"`
	Scope        []string `json:"scope,omitempty"`
	Prompt       string   `json:"prompt,omitempty"`
	Namespace    string   `json:"namespace,omitempty"`

	// Derived from the subscription and API descriptor during validation.
	AppID        string `json:"app_id,omitempty"`
	Trusted      bool   `json:"trusted,omitempty"`
	ScopesDiffer bool   `json:"scopes_differ,omitempty"`

	// Plain marks an interactive login without a client application; the
	// flow ends with a redirect back to RedirectURI instead of minting.
	Plain bool `json:"plain,omitempty"`

	// ValidNamespaces is filled when the user must pick one of several
	// registration namespaces.
	ValidNamespaces []string `json:"valid_namespaces,omitempty"`
}

// AuthResponse is the IdP's authentication result, refined step by step: the
// IdP fills the default fields, user reconciliation resolves UserID, and
// registration (or the default profile) produces the final Profile.
type AuthResponse struct {
	UserID           string               `json:"user_id,omitempty"`
	CustomID         string               `json:"custom_id,omitempty"`
	DefaultProfile   profile.OIDCProfile  `json:"default_profile"`
	DefaultGroups    []string             `json:"default_groups,omitempty"`
	RegistrationPool string               `json:"registration_pool,omitempty"`
	Profile          *profile.OIDCProfile `json:"profile,omitempty"`
	Groups           []string             `json:"groups,omitempty"`
}

// LoggedIn reports whether the response represents a completed
// authentication usable for token minting.
func (a *AuthResponse) LoggedIn() bool {
	return a != nil && a.Profile != nil && a.Profile.Sub != ""
}

// GrantProcessInfo is the transient consent state between rendering the
// consent page and the user's decision.
type GrantProcessInfo struct {
	MissingGrants  []string `json:"missing_grants"`
	ExistingGrants []string `json:"existing_grants,omitempty"`
}

// MethodState is everything the engine keeps in the session for one auth
// method id.
type MethodState struct {
	AuthRequest       *AuthRequest      `json:"auth_request,omitempty"`
	AuthResponse      *AuthResponse     `json:"auth_response,omitempty"`
	Grant             *GrantProcessInfo `json:"grant,omitempty"`
	RegistrationNonce string            `json:"registration_nonce,omitempty"`
}

// LoadMethodState reads the flow state for authMethodID out of the session,
// returning an empty state when none is stored yet.
func LoadMethodState(s *session.Session, authMethodID string) (*MethodState, error) {
	var state MethodState
	ok, err := s.MethodState(authMethodID, &state)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &MethodState{}, nil
	}
	return &state, nil
}

// SaveMethodState writes the flow state for authMethodID back to the
// session.
func SaveMethodState(s *session.Session, authMethodID string, state *MethodState) error {
	return s.SetMethodState(authMethodID, state)
}

// ContinueFunc resumes the authorize flow after an IdP finished interactive
// authentication. The IdP passes the authentication result; the engine picks
// the stored AuthRequest back up from the session.
type ContinueFunc func(w http.ResponseWriter, r *http.Request, res *AuthResponse)

// IdentityProvider is the capability an auth method implementation exposes
// to the flow engine.
type IdentityProvider interface {
	// Type names the provider implementation (local, dummy, oidc).
	Type() string

	// AuthorizeWithUI starts interactive authentication: render a login
	// page or redirect to an upstream provider. The flow resumes through
	// the ContinueFunc handed to RegisterRoutes.
	AuthorizeWithUI(w http.ResponseWriter, r *http.Request) error

	// AuthorizeByUserPass authenticates credentials without any UI, for the
	// resource owner password grant.
	AuthorizeByUserPass(ctx context.Context, username, password string) (*AuthResponse, error)

	// CheckRefreshToken decides whether a refresh may proceed for the user
	// the token was bound to.
	CheckRefreshToken(ctx context.Context, authenticatedUserID string, p *profile.OIDCProfile) error

	// Endpoints lists the relative UI paths the provider serves, for the
	// auth method index.
	Endpoints() []string

	// RegisterRoutes mounts the provider's own routes (login form
	// submission, federation callback) on the auth method's router.
	RegisterRoutes(r chi.Router, done ContinueFunc)
}
