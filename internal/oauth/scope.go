package oauth

import (
	"fmt"
	"sort"
	"strings"

	"github.com/256dpi/oauth2/v2"

	"github.com/apigrid/portal-auth/internal/portal"
)

// GroupScopePrefix marks synthetic scopes derived from the user's portal
// groups. They are appended when talking to the gateway and stripped before
// a refresh re-resolves scope.
const GroupScopePrefix = "wicked:"

// ValidateScope resolves the requested scope list against the API's scope
// catalogue and the subscription's trust level.
//
// Trusted subscriptions always receive the full catalogue; scopesDiffer
// reports whether that differs from what was asked for. Untrusted
// subscriptions get exactly what they asked for, and any scope outside the
// catalogue fails with invalid_scope.
func ValidateScope(requested []string, api *portal.API, trusted bool) (scope []string, scopesDiffer bool, err error) {
	catalogue := CatalogueScopes(api)

	if trusted {
		differ := len(requested) != len(catalogue)
		if !differ {
			want := make(map[string]struct{}, len(requested))
			for _, s := range requested {
				want[s] = struct{}{}
			}
			for _, s := range catalogue {
				if _, ok := want[s]; !ok {
					differ = true
					break
				}
			}
		}
		return catalogue, differ, nil
	}

	known := make(map[string]struct{}, len(api.Settings.Scopes))
	for name := range api.Settings.Scopes {
		known[name] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := known[s]; !ok {
			return nil, false, oauth2.InvalidScope(fmt.Sprintf("scope %s is not defined for API %s", s, api.ID))
		}
	}
	return requested, false, nil
}

// CatalogueScopes returns the API's full scope catalogue in stable order.
func CatalogueScopes(api *portal.API) []string {
	scopes := make([]string, 0, len(api.Settings.Scopes))
	for name := range api.Settings.Scopes {
		scopes = append(scopes, name)
	}
	sort.Strings(scopes)
	return scopes
}

// MergeGroupScopes returns the union of scope and one synthetic group scope
// per portal group, preserving the order of the validated scopes.
func MergeGroupScopes(scope, groups []string) []string {
	if len(groups) == 0 {
		return scope
	}
	merged := make([]string, 0, len(scope)+len(groups))
	seen := make(map[string]struct{}, len(scope)+len(groups))
	for _, s := range scope {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			merged = append(merged, s)
		}
	}
	for _, g := range groups {
		s := GroupScopePrefix + g
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			merged = append(merged, s)
		}
	}
	return merged
}

// StripSyntheticScopes removes the group scopes before a refresh
// re-resolves the effective scope.
func StripSyntheticScopes(scope []string) []string {
	kept := make([]string, 0, len(scope))
	for _, s := range scope {
		if !strings.HasPrefix(s, GroupScopePrefix) {
			kept = append(kept, s)
		}
	}
	return kept
}

// SplitScope normalizes a space-separated scope string into a list.
func SplitScope(raw string) []string {
	return strings.Fields(raw)
}
