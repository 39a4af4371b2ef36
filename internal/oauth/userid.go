package oauth

import (
	"fmt"
	"strings"
)

// AuthenticatedUserID formats the identity the gateway binds tokens to.
// Exactly one of namespace / namespaces should be set; with neither the
// plain sub form is produced.
//
//	sub=<id>
//	sub=<id>;namespace=<ns>
//	sub=<id>;namespaces=<ns1>,<ns2>
func AuthenticatedUserID(userID, namespace string, namespaces []string) string {
	switch {
	case namespace != "":
		return fmt.Sprintf("sub=%s;namespace=%s", userID, namespace)
	case len(namespaces) > 0:
		return fmt.Sprintf("sub=%s;namespaces=%s", userID, strings.Join(namespaces, ","))
	default:
		return "sub=" + userID
	}
}

// ParseAuthenticatedSub extracts the user id from an authenticated_userid
// value. Returns an empty string when the value does not carry a sub, which
// is the case for passthrough identities forwarded verbatim.
func ParseAuthenticatedSub(authenticatedUserID string) string {
	for _, part := range strings.Split(authenticatedUserID, ";") {
		if rest, ok := strings.CutPrefix(part, "sub="); ok {
			return rest
		}
	}
	return ""
}
