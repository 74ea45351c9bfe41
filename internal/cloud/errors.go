// Package cloud holds the error classes shared by every external-service adapter.
package cloud

import "errors"

// Errors returned by compute, network, identity and image adapters. Adapters wrap
// service-specific failures so callers can match them with errors.Is.
var (
	// ErrNotFound is returned when the referenced resource does not exist
	ErrNotFound = errors.New("resource not found")

	// ErrQuotaExceeded is returned when the service refuses a request over quota
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrMalformed is returned when the service rejects a request as invalid
	ErrMalformed = errors.New("malformed request")

	// ErrForbidden is returned when the service denies the request for a reason other than quota
	ErrForbidden = errors.New("request forbidden")

	// ErrConflict is returned when the resource is in a state that forbids the request
	ErrConflict = errors.New("resource state conflict")

	// ErrTransient is returned for failures that may succeed on retry
	ErrTransient = errors.New("transient service failure")
)

// IsNotFound reports whether err means the resource is gone
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IgnoreNotFound returns nil for not-found errors and err otherwise
func IgnoreNotFound(err error) error {
	if IsNotFound(err) {
		return nil
	}
	return err
}
