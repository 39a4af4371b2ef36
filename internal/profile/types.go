// Package profile implements the shared profile store: the ephemeral mapping
// from issued authorization codes and tokens to the user profile snapshot
// captured when the flow completed. The /profile userinfo endpoint and the
// refresh grant both read from it.
package profile

import "time"

// OIDCProfile is the standard-claims snapshot bound to issued codes and
// tokens. Sub is the only required field.
type OIDCProfile struct {
	Sub               string `json:"sub"`
	Email             string `json:"email,omitempty"`
	EmailVerified     bool   `json:"email_verified,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Name              string `json:"name,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
	Phone             string `json:"phone,omitempty"`
}

// Entry is the stored value. Token entries carry the token pair; code
// entries carry none. Both keep the gateway identity and scope that minted
// them so the code exchange and the refresh grant can re-resolve the user.
type Entry struct {
	Profile             OIDCProfile `json:"profile"`
	APIID               string      `json:"api_id"`
	AccessToken         string      `json:"access_token,omitempty"`
	RefreshToken        string      `json:"refresh_token,omitempty"`
	AuthenticatedUserID string      `json:"authenticated_userid,omitempty"`
	Scope               []string    `json:"scope,omitempty"`
	RegisteredAt        time.Time   `json:"registered_at"`
}
