// Package middleware provides the bearer token middleware protecting the
// userinfo style endpoints: the presented access token must resolve to a
// profile entry registered at token issuance.
package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/256dpi/oauth2/v2"

	"github.com/apigrid/portal-auth/internal/profile"
)

type contextKey struct{}

var entryKey contextKey

// Bearer resolves the Authorization header against the profile store and
// injects the matching entry into the request context. Unknown or expired
// tokens answer with an RFC 6750 error.
func Bearer(profiles *profile.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := oauth2.ParseBearerToken(r)
			if err != nil {
				_ = oauth2.WriteBearerError(w, err)
				return
			}

			entry, err := profiles.Retrieve(r.Context(), token)
			if err != nil {
				if errors.Is(err, profile.ErrNotFound) {
					_ = oauth2.WriteBearerError(w, oauth2.InvalidToken("unknown or expired access token"))
					return
				}
				_ = oauth2.WriteBearerError(w, oauth2.ServerError(""))
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), entryKey, entry)))
		})
	}
}

// EntryFromContext returns the profile entry the bearer middleware resolved,
// or nil outside a protected route.
func EntryFromContext(ctx context.Context) *profile.Entry {
	entry, _ := ctx.Value(entryKey).(*profile.Entry)
	return entry
}
