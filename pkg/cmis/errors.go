package cmis

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fruitsalade/cmisfs/pkg/models"
)

// Aliases of the shared failure classes, so callers of this package can
// match errors without importing models.
var (
	ErrNotFound     = models.ErrNotFound
	ErrExists       = models.ErrExists
	ErrConstraint   = models.ErrConstraint
	ErrNotSupported = models.ErrNotSupported
	ErrPermission   = models.ErrPermission
)

// ErrNoRepository is returned when the service document lists no usable
// repository.
var ErrNoRepository = errors.New("no repository available")

// Error is a failed repository request. Exception is the CMIS exception
// name from the response body, when the server sent one.
type Error struct {
	Op        string
	Status    int
	Exception string
	Message   string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Exception != "" {
		return fmt.Sprintf("cmis %s: %s (%d): %s", e.Op, e.Exception, e.Status, msg)
	}
	return fmt.Sprintf("cmis %s: status %d: %s", e.Op, e.Status, msg)
}

// Unwrap maps the exception (or, without one, the HTTP status) onto a
// sentinel so callers can use errors.Is.
func (e *Error) Unwrap() error {
	switch e.Exception {
	case "objectNotFound":
		return ErrNotFound
	case "nameConstraintViolation", "contentAlreadyExists":
		return ErrExists
	case "constraint", "versioning", "streamNotSupported", "updateConflict":
		return ErrConstraint
	case "notSupported":
		return ErrNotSupported
	case "permissionDenied", "unauthorized":
		return ErrPermission
	}
	switch e.Status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConstraint
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrPermission
	case http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return ErrNotSupported
	}
	return nil
}
