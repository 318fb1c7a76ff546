package quotarouter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Reservation is a charge against both windows of one provider.
// It is needed to undo the charge with UsageTracker.Release.
type Reservation struct {
	ProviderID string
	Minute     BucketKey
	Day        BucketKey
	At         time.Time
}

// UsageSnapshot is a point-in-time view of a provider's usage.
type UsageSnapshot struct {
	ProviderID  string `json:"provider_id"`
	MinuteCount int64  `json:"minute_count"`
	MinuteLimit int64  `json:"minute_limit"`
	DayCount    int64  `json:"day_count"`
	DayLimit    int64  `json:"day_limit"`
}

// Utilization returns max(minuteCount/minuteLimit, dayCount/dayLimit).
func (u UsageSnapshot) Utilization() float64 {
	var minute, day float64
	if u.MinuteLimit > 0 {
		minute = float64(u.MinuteCount) / float64(u.MinuteLimit)
	}
	if u.DayLimit > 0 {
		day = float64(u.DayCount) / float64(u.DayLimit)
	}
	return max(minute, day)
}

// UsageTracker applies minute/day window semantics on top of a CounterStore.
type UsageTracker struct {
	store    CounterStore
	registry *Registry
}

// NewUsageTracker creates a tracker reading limits from registry.
func NewUsageTracker(store CounterStore, registry *Registry) *UsageTracker {
	return &UsageTracker{store: store, registry: registry}
}

// Reserve charges one request against the provider's current minute and day
// buckets. Either both increments survive or neither does. A rejection is
// reported as *QuotaExceededError naming the blocking window.
func (t *UsageTracker) Reserve(ctx context.Context, providerID string, now time.Time) (Reservation, error) {
	desc, err := t.registry.Get(providerID)
	if err != nil {
		return Reservation{}, err
	}

	res := Reservation{
		ProviderID: providerID,
		Minute:     BucketFor(providerID, WindowMinute, now),
		Day:        BucketFor(providerID, WindowDay, now),
		At:         now,
	}

	_, ok, err := t.store.IncrementIfBelow(ctx, res.Minute, desc.PerMinuteLimit)
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: reserve %s: %w", ErrQuotaStore, res.Minute, err)
	}
	if !ok {
		return Reservation{}, &QuotaExceededError{ProviderID: providerID, Window: WindowMinute}
	}

	_, ok, err = t.store.IncrementIfBelow(ctx, res.Day, desc.PerDayLimit)
	if err != nil || !ok {
		// Roll back the minute charge; ctx may already be done, the undo must not be skipped.
		rbErr := t.store.Decrement(context.WithoutCancel(ctx), res.Minute)
		if err != nil {
			return Reservation{}, fmt.Errorf("%w: reserve %s: %w", ErrQuotaStore, res.Day, errors.Join(err, rbErr))
		}
		if rbErr != nil {
			return Reservation{}, fmt.Errorf("%w: rollback %s: %w", ErrQuotaStore, res.Minute, rbErr)
		}
		return Reservation{}, &QuotaExceededError{ProviderID: providerID, Window: WindowDay}
	}

	return res, nil
}

// Release undoes a reservation that never reached the provider. Buckets
// whose window already closed at now are left untouched.
func (t *UsageTracker) Release(ctx context.Context, res Reservation, now time.Time) error {
	var errs []error
	for _, key := range []BucketKey{res.Minute, res.Day} {
		if key.Elapsed(now) {
			continue
		}
		if err := t.store.Decrement(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrQuotaStore, errors.Join(errs...))
	}
	return nil
}

// Peek returns the current counts and limits without mutating anything.
// Counts may lag concurrent reservations.
func (t *UsageTracker) Peek(ctx context.Context, providerID string, now time.Time) (UsageSnapshot, error) {
	desc, err := t.registry.Get(providerID)
	if err != nil {
		return UsageSnapshot{}, err
	}

	minute, err := t.store.Count(ctx, BucketFor(providerID, WindowMinute, now))
	if err != nil {
		return UsageSnapshot{}, fmt.Errorf("%w: peek: %w", ErrQuotaStore, err)
	}
	day, err := t.store.Count(ctx, BucketFor(providerID, WindowDay, now))
	if err != nil {
		return UsageSnapshot{}, fmt.Errorf("%w: peek: %w", ErrQuotaStore, err)
	}

	return UsageSnapshot{
		ProviderID:  providerID,
		MinuteCount: minute,
		MinuteLimit: desc.PerMinuteLimit,
		DayCount:    day,
		DayLimit:    desc.PerDayLimit,
	}, nil
}
