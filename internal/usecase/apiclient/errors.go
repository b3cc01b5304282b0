package apiclient

import (
	"errors"
	"fmt"

	"relaycore/internal/domain"
)

// NetworkError is returned when a request could not be completed against the
// relay: every attempt failed, or the connection dropped mid-stream.
type NetworkError struct {
	Class    domain.ServerClass
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error after %d attempt(s): %v", e.Class, e.Attempts, e.Err)
}

// Unwrap exposes both domain.ErrNetwork and the last underlying cause.
func (e *NetworkError) Unwrap() []error {
	return []error{domain.ErrNetwork, e.Err}
}

// IsNetworkError reports whether err is, or wraps, a *NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
