package quotarouter

import "time"

// ChatRequest is one inbound chat call.
type ChatRequest struct {
	Messages []Message `json:"messages"`

	// MaxAttempts bounds select/invoke cycles for this call; 0 uses the
	// dispatcher default.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the result of a successful dispatch.
type ChatResponse struct {
	ID         string        `json:"id"`
	Reply      string        `json:"reply"`
	ProviderID string        `json:"provider_id"`
	Model      string        `json:"model,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Attempts   int           `json:"attempts"`
	Latency    time.Duration `json:"-"`
	Skipped    []Skip        `json:"-"`
}

// ProviderStats is the monitoring view of one provider.
type ProviderStats struct {
	Descriptor    ProviderDescriptor `json:"provider"`
	Usage         UsageSnapshot      `json:"usage"`
	Utilization   float64            `json:"utilization"`
	CooldownUntil *time.Time         `json:"cooldown_until,omitempty"`
}
