package quotarouter

import (
	"context"
	"fmt"
	"time"
)

// WindowKind identifies a quota window.
type WindowKind string

const (
	WindowMinute WindowKind = "minute"
	WindowDay    WindowKind = "day"
)

// Size returns the window width.
func (k WindowKind) Size() time.Duration {
	switch k {
	case WindowMinute:
		return time.Minute
	case WindowDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// BucketKey identifies one usage bucket. Start is the window-aligned
// epoch second, so a bucket is fully determined by provider, window and time.
type BucketKey struct {
	ProviderID string
	Window     WindowKind
	Start      int64
}

// BucketFor returns the bucket that now falls into.
func BucketFor(providerID string, kind WindowKind, now time.Time) BucketKey {
	size := int64(kind.Size() / time.Second)
	sec := now.Unix()
	start := sec - sec%size
	if sec < 0 && sec%size != 0 {
		start -= size
	}
	return BucketKey{ProviderID: providerID, Window: kind, Start: start}
}

// End returns the instant the bucket's window closes.
func (k BucketKey) End() time.Time {
	return time.Unix(k.Start, 0).Add(k.Window.Size())
}

// Elapsed reports whether the bucket's window has fully passed at now.
func (k BucketKey) Elapsed(now time.Time) bool {
	return !now.Before(k.End())
}

func (k BucketKey) String() string {
	return fmt.Sprintf("%s:%s:%d", k.ProviderID, k.Window, k.Start)
}

// CounterStore holds usage counters keyed by bucket.
//
// IncrementIfBelow must be linearizable per bucket: the increment happens
// only if the resulting count stays within limit, in one indivisible step.
// Implementations must not serialize unrelated buckets behind a global lock.
type CounterStore interface {
	// IncrementIfBelow adds one to the bucket if the result is <= limit.
	// It returns the count after the operation and whether it was applied.
	IncrementIfBelow(ctx context.Context, key BucketKey, limit int64) (int64, bool, error)

	// Decrement removes one from the bucket, never going below zero.
	Decrement(ctx context.Context, key BucketKey) error

	// Count returns the current bucket count (0 for unknown buckets).
	Count(ctx context.Context, key BucketKey) (int64, error)
}
