package versioning

import (
	"fmt"
	"slices"
)

// Contributor types a session can carry
const (
	ContributorViewer  = "viewer"
	ContributorAdmin   = "admin"
	ContributorDevelop = "develop"
	ContributorInsee   = "insee"
	ContributorDGFIP   = "dgfip"
	ContributorIGN     = "ign"
	ContributorLaPoste = "laposte"
)

// ContributorTypes lists every known contributor type
var ContributorTypes = []string{
	ContributorViewer,
	ContributorAdmin,
	ContributorDevelop,
	ContributorInsee,
	ContributorDGFIP,
	ContributorIGN,
	ContributorLaPoste,
}

// Session is the authenticated actor of a call
type Session struct {
	ID              string `json:"id"`
	ClientID        string `json:"client_id,omitempty"`
	ContributorType string `json:"contributor_type,omitempty"`
}

// RequireContributor checks that a session may moderate snapshots.
// It fails with ErrPermissionDenied unless the session is bound to a client
// and holds a contributor type above viewer.
func RequireContributor(s *Session) error {
	switch {
	case s == nil || s.ID == "":
		return fmt.Errorf("%w: must be logged in", ErrPermissionDenied)
	case s.ClientID == "":
		return fmt.Errorf("%w: token must be linked to a client", ErrPermissionDenied)
	case s.ContributorType == "" || !slices.Contains(ContributorTypes, s.ContributorType):
		return fmt.Errorf("%w: session must have a valid contributor type", ErrPermissionDenied)
	case s.ContributorType == ContributorViewer:
		return fmt.Errorf("%w: contributor type viewer cannot flag or unflag", ErrPermissionDenied)
	}
	return nil
}
