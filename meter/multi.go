package meter

import "github.com/ineyio/quotarouter"

// Multi fans every event out to each meter in order.
type Multi []quotarouter.Meter

var _ quotarouter.Meter = (Multi)(nil)

func (m Multi) OnAttempt(e quotarouter.AttemptEvent) {
	for _, mm := range m {
		mm.OnAttempt(e)
	}
}

func (m Multi) OnDispatch(r quotarouter.DispatchRecord) {
	for _, mm := range m {
		mm.OnDispatch(r)
	}
}
