package configfetch

import (
	"context"

	"relaycore/internal/domain"
)

// Disabled is the fetcher used when no remote document URL is configured.
// Every fetch fails, so the store keeps bootstrap and persisted values.
type Disabled struct{}

// Fetch always reports the remote config as unavailable.
func (Disabled) Fetch(context.Context) (*domain.RemoteEndpoints, error) {
	return nil, domain.NewSubSystemError(subsystem, "Fetch", domain.ErrConfigFetch, "remote endpoint config disabled")
}

var _ domain.EndpointFetcher = Disabled{}
