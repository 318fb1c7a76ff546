package quotarouter

import (
	"context"
	"time"
)

// Provider is the client for one upstream endpoint. The dispatcher knows
// nothing about provider protocols; it only distinguishes fatal errors
// (see IsFatal) from transient ones.
type Provider interface {
	// ID returns the registry id this client serves.
	ID() string

	// ChatCompletion performs one upstream call. The deadline of ctx bounds it.
	ChatCompletion(ctx context.Context, req ProviderRequest) (ProviderResponse, error)
}

// ProviderRequest is the request sent to a provider client.
type ProviderRequest struct {
	ProviderID string
	Messages   []Message
}

// ProviderResponse is the response from a provider client.
type ProviderResponse struct {
	ID      string
	Content string
	Model   string
	Latency time.Duration
}
