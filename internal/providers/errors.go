package providers

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned before any network call when a profile
	// is missing its credential or base URL.
	ErrNotConfigured = errors.New("provider is not configured")

	// ErrInvalidResponse marks a non-streaming body whose top-level shape
	// is missing the expected choice/message.
	ErrInvalidResponse = errors.New("invalid provider response")

	// ErrNoDiscovery marks a family without a model discovery endpoint.
	ErrNoDiscovery = errors.New("provider has no model discovery endpoint")
)

// HTTPError carries a non-2xx provider status verbatim for diagnostic
// display. It is terminal; this core never retries.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider status %d", e.Status)
	}
	return fmt.Sprintf("provider status %d: %s", e.Status, e.Body)
}
