package portal

import (
	"errors"
	"fmt"
)

// Sentinel errors callers branch on. Anything else coming out of the client
// wraps a *StatusError carrying the upstream status code.
var (
	ErrNotFound           = errors.New("portal: resource not found")
	ErrDuplicateEmail     = errors.New("portal: a user with this email address already exists")
	ErrInvalidCredentials = errors.New("portal: invalid email or password")
)

// StatusError preserves the portal API's HTTP status so handlers can relay
// upstream failures without flattening everything to 500.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("portal: upstream returned status %d: %s", e.Status, e.Message)
}

// UpstreamStatus extracts the portal status code from err, or 0 when err did
// not originate from a portal API response.
func UpstreamStatus(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}
