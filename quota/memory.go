// Package quota provides the in-memory CounterStore.
package quota

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/quotarouter"
)

// MemoryStore is an in-process CounterStore. Each bucket is an independent
// atomic counter, so reservations against different buckets never contend.
type MemoryStore struct {
	buckets sync.Map // quotarouter.BucketKey -> *atomic.Int64
}

var _ quotarouter.CounterStore = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) counter(key quotarouter.BucketKey) *atomic.Int64 {
	if v, ok := s.buckets.Load(key); ok {
		return v.(*atomic.Int64)
	}
	v, _ := s.buckets.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// IncrementIfBelow adds one to the bucket unless that would exceed limit.
func (s *MemoryStore) IncrementIfBelow(_ context.Context, key quotarouter.BucketKey, limit int64) (int64, bool, error) {
	c := s.counter(key)
	for {
		cur := c.Load()
		if cur+1 > limit {
			return cur, false, nil
		}
		if c.CompareAndSwap(cur, cur+1) {
			return cur + 1, true, nil
		}
	}
}

// Decrement removes one from the bucket, stopping at zero.
func (s *MemoryStore) Decrement(_ context.Context, key quotarouter.BucketKey) error {
	v, ok := s.buckets.Load(key)
	if !ok {
		return nil
	}
	c := v.(*atomic.Int64)
	for {
		cur := c.Load()
		if cur <= 0 {
			return nil
		}
		if c.CompareAndSwap(cur, cur-1) {
			return nil
		}
	}
}

// Count returns the bucket count.
func (s *MemoryStore) Count(_ context.Context, key quotarouter.BucketKey) (int64, error) {
	v, ok := s.buckets.Load(key)
	if !ok {
		return 0, nil
	}
	return v.(*atomic.Int64).Load(), nil
}

// Sweep drops buckets whose window has fully elapsed at now and returns
// how many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	s.buckets.Range(func(k, _ any) bool {
		if k.(quotarouter.BucketKey).Elapsed(now) {
			s.buckets.Delete(k)
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of live buckets.
func (s *MemoryStore) Len() int {
	n := 0
	s.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// RunJanitor sweeps elapsed buckets every interval until ctx is done.
func (s *MemoryStore) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("quotarouter/quota: janitor interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}
