package oauth

import (
	"errors"
	"net/http"

	"github.com/256dpi/oauth2/v2"

	"github.com/apigrid/portal-auth/internal/portal"
)

// LoginRequired constructs the OIDC extension error returned when
// prompt=none is requested without a live session.
func LoginRequired(description string) *oauth2.Error {
	return &oauth2.Error{
		Status:      http.StatusUnauthorized,
		Name:        "login_required",
		Description: description,
	}
}

// UnauthorizedClient constructs the error for clients asking for a grant or
// response type the API does not allow them.
func UnauthorizedClient(description string) *oauth2.Error {
	return &oauth2.Error{
		Status:      http.StatusForbidden,
		Name:        "unauthorized_client",
		Description: description,
	}
}

// AsOAuth2Error coerces any error into an OAuth2 wire error. Errors that
// already are *oauth2.Error pass through; portal transport failures keep
// their upstream status when it is 400 or above; everything else becomes a
// plain server_error. Internal detail stays in the logs, not in the wire
// description.
func AsOAuth2Error(err error) *oauth2.Error {
	var oauthErr *oauth2.Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}

	var portalErr *portal.StatusError
	if errors.As(err, &portalErr) && portalErr.Status >= 400 {
		wireErr := oauth2.ServerError(portalErr.Message)
		wireErr.Status = portalErr.Status
		return wireErr
	}

	return oauth2.ServerError("")
}
