package idp

import (
	"context"
	"net/http"

	"github.com/256dpi/oauth2/v2"
	"github.com/go-chi/chi/v5"

	"github.com/apigrid/portal-auth/internal/oauth"
	"github.com/apigrid/portal-auth/internal/profile"
	"github.com/apigrid/portal-auth/internal/security"
)

// Dummy authenticates everyone as one configured static identity. It exists
// for integration testing and demo deployments; never mount it in
// production.
//
// Config keys: "sub" (required), "email", "name", "password" (when set,
// AuthorizeByUserPass requires it).
type Dummy struct {
	sub      string
	email    string
	name     string
	password string

	done oauth.ContinueFunc
}

var _ oauth.IdentityProvider = (*Dummy)(nil)

// NewDummy creates the static test provider.
func NewDummy(cfg map[string]string) *Dummy {
	sub := cfg["sub"]
	if sub == "" {
		sub = "dummy"
	}
	return &Dummy{
		sub:      sub,
		email:    cfg["email"],
		name:     cfg["name"],
		password: cfg["password"],
	}
}

// Type names the provider implementation.
func (d *Dummy) Type() string {
	return TypeDummy
}

// Endpoints lists the provider's own routes; the dummy has none.
func (d *Dummy) Endpoints() []string {
	return nil
}

// AuthorizeWithUI skips all UI and resumes the flow with the static
// identity immediately.
func (d *Dummy) AuthorizeWithUI(w http.ResponseWriter, r *http.Request) error {
	d.done(w, r, d.response())
	return nil
}

// RegisterRoutes stores the continuation; the dummy mounts no routes.
func (d *Dummy) RegisterRoutes(_ chi.Router, done oauth.ContinueFunc) {
	d.done = done
}

// AuthorizeByUserPass returns the static identity; when a password is
// configured it must match.
func (d *Dummy) AuthorizeByUserPass(_ context.Context, _, password string) (*oauth.AuthResponse, error) {
	if d.password != "" && !security.TokensMatch(d.password, password) {
		return nil, oauth2.AccessDenied("invalid username or password")
	}
	return d.response(), nil
}

// CheckRefreshToken always allows the refresh.
func (d *Dummy) CheckRefreshToken(context.Context, string, *profile.OIDCProfile) error {
	return nil
}

func (d *Dummy) response() *oauth.AuthResponse {
	return &oauth.AuthResponse{
		CustomID: TypeDummy + ":" + d.sub,
		DefaultProfile: profile.OIDCProfile{
			Sub:   d.sub,
			Email: d.email,
			Name:  d.name,
		},
	}
}
