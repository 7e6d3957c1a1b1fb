package tenancy

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation is returned when input fails validation.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicate is returned when a uniqueness constraint would be violated.
	ErrDuplicate = errors.New("already exists")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidVerification is returned for any deletion code mismatch. It never
	// says which part of the verification failed.
	ErrInvalidVerification = errors.New("invalid verification")

	// ErrStorage wraps infrastructure failures of the backing store.
	ErrStorage = errors.New("storage error")

	// ErrContextBinding is returned when a tenant cannot be bound to a connection.
	ErrContextBinding = errors.New("tenant context binding failed")

	// ErrPermissionDenied is returned by strict-mode checks.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotBound is returned when a connection carries no tenant.
	ErrNotBound = errors.New("no tenant bound to connection")
)

// StorageError wraps err so that it matches both ErrStorage and err.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("failed to %s: %w: %w", op, ErrStorage, err)
}

// HTTPStatus maps an error from this module to a status code for callers that
// expose it over HTTP. Unknown errors map to 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidVerification):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text that may be shown to an end user for err.
// Storage and verification details are never exposed.
func PublicMessage(err error) string {
	switch HTTPStatus(err) {
	case http.StatusOK:
		return ""
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not found"
	case http.StatusConflict:
		return "already exists"
	case http.StatusBadRequest:
		if errors.Is(err, ErrInvalidVerification) {
			return "invalid verification"
		}
		return err.Error()
	default:
		return "internal error"
	}
}
