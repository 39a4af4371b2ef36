package oauth

import (
	"context"
	"net/url"

	"github.com/256dpi/oauth2/v2"

	"github.com/apigrid/portal-auth/internal/profile"
)

// registerIssued registers the code or token the gateway issued in the
// profile store and returns the final redirect with state and namespace
// appended. The store write happens before the caller produces the HTTP
// response, so an immediate follow-up lookup sees the binding.
func (f *Flow) registerIssued(ctx context.Context, redirect string, req *AuthRequest, e profile.Entry) (string, error) {
	u, err := url.Parse(redirect)
	if err != nil {
		return "", oauth2.ServerError("gateway returned an unparsable redirect URI")
	}

	// Code flows carry the code in the query, implicit flows carry the
	// token in the fragment.
	if query := u.Query(); query.Get("code") != "" {
		if err := f.profiles.RegisterCode(ctx, query.Get("code"), e); err != nil {
			return "", err
		}
		if req.State != "" {
			query.Set("state", req.State)
		}
		if req.Namespace != "" {
			query.Set("namespace", req.Namespace)
		}
		u.RawQuery = query.Encode()
		return u.String(), nil
	}

	fragment, err := url.ParseQuery(u.Fragment)
	if err != nil || fragment.Get("access_token") == "" {
		return "", oauth2.ServerError("gateway redirect carried neither code nor token")
	}
	e.AccessToken = fragment.Get("access_token")
	e.RefreshToken = fragment.Get("refresh_token")
	if err := f.profiles.RegisterTokens(ctx, e); err != nil {
		return "", err
	}
	if req.State != "" {
		fragment.Set("state", req.State)
	}
	if req.Namespace != "" {
		fragment.Set("namespace", req.Namespace)
	}
	// Re-assemble by hand; url.URL would re-escape an already encoded
	// fragment.
	u.Fragment = ""
	return u.String() + "#" + fragment.Encode(), nil
}
