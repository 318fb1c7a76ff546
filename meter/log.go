package meter

import (
	"github.com/rs/zerolog"

	"github.com/ineyio/quotarouter"
)

// LogMeter logs dispatch events using zerolog.
type LogMeter struct {
	Logger zerolog.Logger
}

var _ quotarouter.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
func NewLogMeter(logger zerolog.Logger) *LogMeter {
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAttempt(e quotarouter.AttemptEvent) {
	ev := m.Logger.Debug()
	if e.Result != quotarouter.AttemptSuccess {
		ev = m.Logger.Warn().Err(e.Error)
	}
	ev.Str("dispatch_id", e.DispatchID).
		Str("provider", e.ProviderID).
		Int("attempt", e.AttemptNum).
		Str("result", string(e.Result)).
		Int64("duration_ms", e.Duration.Milliseconds()).
		Msg("attempt")
}

func (m *LogMeter) OnDispatch(r quotarouter.DispatchRecord) {
	if r.Success {
		m.Logger.Info().
			Str("dispatch_id", r.ID).
			Str("provider", r.ProviderID).
			Int("attempts", r.Attempts).
			Int64("latency_ms", r.LatencyMs()).
			Msg("dispatch")
		return
	}
	m.Logger.Warn().
		Str("dispatch_id", r.ID).
		Str("provider", r.ProviderID).
		Int("attempts", r.Attempts).
		Int64("latency_ms", r.LatencyMs()).
		Str("reason", r.Reason).
		Msg("dispatch_error")
}
