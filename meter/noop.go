package meter

import "github.com/ineyio/quotarouter"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ quotarouter.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAttempt(quotarouter.AttemptEvent)    {}
func (m *NoopMeter) OnDispatch(quotarouter.DispatchRecord) {}
