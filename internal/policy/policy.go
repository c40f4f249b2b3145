package policy

import (
	"errors"

	"github.com/helmdeck/helmdeck/internal/database"
)

// ErrAccessDenied is the single refusal signal for every denied request.
// The message is identical whether the endpoint exists or not, so a denied
// caller cannot probe the registry through error text.
var ErrAccessDenied = errors.New("endpoint not available")

// Authorize decides whether a user may reach an endpoint. Administrators
// are always allowed. The decision never consults endpoint existence.
func Authorize(user *database.User, endpointID string) error {
	if user == nil {
		return ErrAccessDenied
	}
	if user.Role == "admin" {
		return nil
	}

	switch user.PolicyKind {
	case database.PolicyAll:
		return nil
	case database.PolicyNone:
		return ErrAccessDenied
	default:
		// "specific" and any unset/unknown kind: membership required. An
		// empty set denies everything but is preserved distinctly for
		// display.
		if database.IsUserAssignedToEndpoint(user.ID, endpointID) {
			return nil
		}
		return ErrAccessDenied
	}
}

// Filter returns the subset of records the user is allowed to see.
func Filter(user *database.User, recs []database.Endpoint) []database.Endpoint {
	visible := make([]database.Endpoint, 0, len(recs))
	for _, rec := range recs {
		if Authorize(user, rec.ID) == nil {
			visible = append(visible, rec)
		}
	}
	return visible
}
