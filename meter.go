package quotarouter

import "time"

// Meter observes dispatch activity. Calls are made inline on the request
// path, so implementations must return promptly and must not fail the
// request; anything slow belongs behind a queue (see the audit package).
type Meter interface {
	// OnAttempt is called after each provider invocation.
	OnAttempt(event AttemptEvent)

	// OnDispatch is called once per Dispatch call with the final outcome.
	OnDispatch(record DispatchRecord)
}

// AttemptResult classifies one provider invocation.
type AttemptResult string

const (
	AttemptSuccess   AttemptResult = "success"
	AttemptTransient AttemptResult = "transient"
	AttemptRejected  AttemptResult = "rejected"
	AttemptCanceled  AttemptResult = "canceled"
)

// AttemptEvent describes one provider invocation.
type AttemptEvent struct {
	DispatchID string
	ProviderID string
	AttemptNum int
	Result     AttemptResult
	Duration   time.Duration
	Error      error
}

// DispatchRecord is the audit record emitted after each dispatch.
type DispatchRecord struct {
	ID         string
	ProviderID string // empty when no provider was invoked
	Success    bool
	Latency    time.Duration
	Attempts   int
	Timestamp  time.Time
	Reason     string // failure reason; empty on success
}

// LatencyMs returns the latency in milliseconds.
func (r DispatchRecord) LatencyMs() int64 { return r.Latency.Milliseconds() }

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnAttempt(AttemptEvent)    {}
func (noopMeter) OnDispatch(DispatchRecord) {}
