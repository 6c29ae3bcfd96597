package structs

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleContent reports that a fetched resource still hashes to the
	// SHA-1 the caller already holds. Flow control, not a failure.
	ErrStaleContent = errors.New("content unchanged for known sha1")

	// ErrDeleteReservation is returned (or wrapped) by a plugin to signal
	// that its reservation is terminally invalid and should be removed
	// from the catalog and result storage.
	ErrDeleteReservation = errors.New("reservation requested deletion")

	// ErrUnknownFunction reports a function name with no registration.
	ErrUnknownFunction = errors.New("unknown function")
)

// HTTPError carries a non-2xx upstream status through the request queuer's
// callers.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.Message)
}

// InvalidArgumentsError reports reservation arguments that failed
// validation, listing the missing required names.
type InvalidArgumentsError struct {
	FunctionName string
	Missing      []string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("function %s missing required arguments %v", e.FunctionName, e.Missing)
}
