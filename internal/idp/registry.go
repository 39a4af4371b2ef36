// Package idp ships the identity provider adapters the authorization server
// mounts per auth method: local (portal-backed username/password), dummy
// (static test identity) and oidc (federation against any OIDC issuer).
//
// Purpose:
//
//	Each adapter implements the oauth.IdentityProvider capability. The
//	registry builds adapters from the AUTH_METHODS configuration and hands
//	them to the dispatcher, one per mounted auth method.
//
// Key Responsibilities:
//   - Build validates the configured methods and constructs typed adapters
//   - Adapters own their interactive UI (login form, federation redirect)
//     and signal completion through the ContinueFunc the router provides
//
// Error Handling:
//   - Unknown provider types and incomplete provider config fail Build, so
//     a misconfigured method is caught at startup, not on first login
package idp

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/apigrid/portal-auth/internal/config"
	"github.com/apigrid/portal-auth/internal/oauth"
	"github.com/apigrid/portal-auth/internal/portal"
	"github.com/apigrid/portal-auth/internal/session"
)

// Provider type names accepted in AUTH_METHODS.
const (
	TypeLocal = "local"
	TypeDummy = "dummy"
	TypeOIDC  = "oidc"
)

// Deps carries the collaborators adapters need.
type Deps struct {
	Portal      *portal.Client
	Sessions    *session.Manager
	ExternalURL string
	BasePath    string
	Logger      zerolog.Logger
}

// Registry holds the built adapters keyed by auth method name, preserving
// configuration order for the index page.
type Registry struct {
	providers map[string]oauth.IdentityProvider
	order     []string
}

// Build constructs one adapter per enabled auth method. Disabled methods are
// skipped; unknown types are a configuration error.
func Build(ctx context.Context, methods []config.AuthMethod, deps Deps) (*Registry, error) {
	reg := &Registry{providers: make(map[string]oauth.IdentityProvider, len(methods))}
	for _, m := range methods {
		if !m.Enabled {
			continue
		}
		if _, exists := reg.providers[m.Name]; exists {
			return nil, fmt.Errorf("idp: duplicate auth method name %q", m.Name)
		}

		mountPath := deps.BasePath + "/" + m.Name
		var (
			provider oauth.IdentityProvider
			err      error
		)
		switch m.Type {
		case TypeLocal:
			provider = NewLocal(deps.Portal, deps.Sessions, mountPath, deps.Logger)
		case TypeDummy:
			provider = NewDummy(m.Config)
		case TypeOIDC:
			provider, err = NewOIDC(ctx, m.Name, m.Config, deps.ExternalURL+mountPath, deps.Logger)
		default:
			err = fmt.Errorf("idp: auth method %q has unknown type %q", m.Name, m.Type)
		}
		if err != nil {
			return nil, err
		}

		reg.providers[m.Name] = provider
		reg.order = append(reg.order, m.Name)
	}
	return reg, nil
}

// Get returns the adapter mounted under name.
func (r *Registry) Get(name string) (oauth.IdentityProvider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names lists the mounted auth methods in configuration order.
func (r *Registry) Names() []string {
	return r.order
}
