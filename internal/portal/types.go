// Package portal provides the typed client for the portal API, the REST
// collaborator that owns users, applications, subscriptions, registrations,
// scope grants and verifications. Nothing in this server persists any of
// those resources locally.
package portal

// User is the portal's user resource. IDs are opaque strings minted by the
// portal; CustomID carries the identity an external IdP knows the user by.
type User struct {
	ID        string   `json:"id"`
	CustomID  string   `json:"customId,omitempty"`
	Email     string   `json:"email"`
	Validated bool     `json:"validated"`
	Groups    []string `json:"groups,omitempty"`
}

// NewUser is the creation payload for POST /users.
type NewUser struct {
	Email     string   `json:"email"`
	Password  string   `json:"password,omitempty"`
	CustomID  string   `json:"customId,omitempty"`
	Validated bool     `json:"validated"`
	Groups    []string `json:"groups,omitempty"`
}

// Application is the client application display info attached to a
// subscription and shown on consent and grant pages.
type Application struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Confidential bool   `json:"confidential,omitempty"`
	RedirectURI  string `json:"redirectUri,omitempty"`
	MainURL      string `json:"mainUrl,omitempty"`
}

// Subscription ties an application to an API under a client id.
type Subscription struct {
	Application  string `json:"application"`
	API          string `json:"api"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Trusted      bool   `json:"trusted"`
}

// SubscriptionInfo is what GET /subscriptions/{clientId} returns.
type SubscriptionInfo struct {
	Subscription Subscription `json:"subscription"`
	Application  Application  `json:"application"`
}

// ScopeInfo describes one scope in an API's catalogue.
type ScopeInfo struct {
	Description string `json:"description,omitempty"`
}

// APISettings carries the per-API OAuth2 settings this server reads.
type APISettings struct {
	Scopes map[string]ScopeInfo `json:"scopes,omitempty"`
}

// API is the portal's API descriptor.
type API struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name"`
	AuthMethods         []string    `json:"authMethods,omitempty"`
	RegistrationPool    string      `json:"registrationPool,omitempty"`
	PassthroughUsers    bool        `json:"passthroughUsers,omitempty"`
	PassthroughScopeURL string      `json:"passthroughScopeUrl,omitempty"`
	Settings            APISettings `json:"settings,omitempty"`
}

// PoolProperty describes one attribute a registration pool collects.
type PoolProperty struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	OIDCClaim   string `json:"oidcClaim,omitempty"`
}

// Pool is a registration pool descriptor.
type Pool struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	RequiresNamespace bool           `json:"requiresNamespace,omitempty"`
	DisableRegister   bool           `json:"disableRegister,omitempty"`
	Properties        []PoolProperty `json:"properties,omitempty"`
}

// Registration is one user's membership in a pool, optionally partitioned by
// namespace.
type Registration struct {
	UserID    string `json:"userId"`
	PoolID    string `json:"poolId"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name,omitempty"`
}

// ScopeGrant is one granted scope inside a Grant.
type ScopeGrant struct {
	Scope string `json:"scope"`
}

// Grant records which scopes a user granted to an application for an API.
type Grant struct {
	UserID        string       `json:"userId"`
	ApplicationID string       `json:"applicationId"`
	APIID         string       `json:"apiId"`
	Scopes        []ScopeGrant `json:"grants"`
}

// HasScope reports whether the grant already covers scope.
func (g *Grant) HasScope(scope string) bool {
	for _, s := range g.Scopes {
		if s.Scope == scope {
			return true
		}
	}
	return false
}

// Verification actions.
const (
	VerificationEmail    = "email"
	VerificationPassword = "password"
)

// Verification is a pending email or password-reset confirmation. The portal
// API owns delivery of the link; this server only creates, reads and deletes
// the records.
type Verification struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Link   string `json:"link,omitempty"`
}

// collection is the portal's list envelope.
type collection[T any] struct {
	Items []T `json:"items"`
}
