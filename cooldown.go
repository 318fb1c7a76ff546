package quotarouter

import (
	"sync"
	"sync/atomic"
	"time"
)

const defaultCooldown = 30 * time.Second

// CooldownTracker keeps a per-provider "cooling until" mark. A provider is
// excluded from selection while now is before its mark. Marks expire on
// their own and are never removed.
type CooldownTracker struct {
	marks sync.Map // provider id -> *atomic.Int64 (unix nanos)
}

// NewCooldownTracker creates an empty CooldownTracker.
func NewCooldownTracker() *CooldownTracker {
	return &CooldownTracker{}
}

// Mark excludes a provider until the given instant. A later mark wins over
// an earlier one; concurrent marks may race, which only shortens or extends
// the exclusion by one mark.
func (c *CooldownTracker) Mark(providerID string, until time.Time) {
	v, _ := c.marks.LoadOrStore(providerID, new(atomic.Int64))
	mark := v.(*atomic.Int64)
	next := until.UnixNano()
	for {
		cur := mark.Load()
		if cur >= next {
			return
		}
		if mark.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Until returns the provider's cooldown end and whether it is still active at now.
func (c *CooldownTracker) Until(providerID string, now time.Time) (time.Time, bool) {
	v, ok := c.marks.Load(providerID)
	if !ok {
		return time.Time{}, false
	}
	until := time.Unix(0, v.(*atomic.Int64).Load())
	return until, now.Before(until)
}

// Cooling reports whether the provider is excluded at now.
func (c *CooldownTracker) Cooling(providerID string, now time.Time) bool {
	_, active := c.Until(providerID, now)
	return active
}
