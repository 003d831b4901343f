package versioning

import (
	"errors"
	"fmt"

	"github.com/odorie/api-gestion-poc/common/models"
)

// Sentinel errors returned (optionally wrapped) by the controller and the stores.
// Callers match them with errors.Is.
var (
	ErrVersionConflict     = errors.New("version conflict")
	ErrNotFound            = errors.New("not found")
	ErrRedirected          = errors.New("redirected")
	ErrAmbiguousRedirect   = errors.New("ambiguous redirect")
	ErrSelfRedirect        = errors.New("redirect cannot point to itself")
	ErrInvalidIdentifier   = errors.New("invalid identifier")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrReferentialConflict = errors.New("referential conflict")
	ErrDuplicate           = errors.New("duplicate")
	ErrUnknownKind         = errors.New("unknown kind")
	ErrInvalidPeriod       = models.ErrInvalidPeriod
	ErrReadOnly            = errors.New("read-only transaction")
)

// RedirectError reports that an identifier value now resolves to another entity
type RedirectError struct {
	Kind       string
	Identifier string
	Value      string
	Target     int64
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("%s %s:%s redirects to %d", e.Kind, e.Identifier, e.Value, e.Target)
}

// Is matches ErrRedirected
func (e *RedirectError) Is(target error) bool {
	return target == ErrRedirected
}

// AmbiguousRedirectError reports an identifier value redirecting to several entities
type AmbiguousRedirectError struct {
	Kind       string
	Identifier string
	Value      string
	Targets    []int64
}

func (e *AmbiguousRedirectError) Error() string {
	return fmt.Sprintf("%s %s:%s redirects to %d entities %v", e.Kind, e.Identifier, e.Value, len(e.Targets), e.Targets)
}

// Is matches ErrAmbiguousRedirect
func (e *AmbiguousRedirectError) Is(target error) bool {
	return target == ErrAmbiguousRedirect
}
