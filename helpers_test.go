package quotarouter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	qr "github.com/ineyio/quotarouter"
	"github.com/ineyio/quotarouter/provider/mock"
	"github.com/ineyio/quotarouter/quota"
)

// testEpoch sits 10s into a minute so tests can step within the bucket.
var testEpoch = time.Date(2025, 3, 14, 12, 30, 10, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testEpoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T, descs ...qr.ProviderDescriptor) *qr.Registry {
	t.Helper()
	reg, err := qr.NewRegistry(descs)
	require.NoError(t, err)
	return reg
}

func desc(id string, perMinute, perDay int64, priority int) qr.ProviderDescriptor {
	return qr.ProviderDescriptor{
		ID:             id,
		PerMinuteLimit: perMinute,
		PerDayLimit:    perDay,
		Priority:       priority,
		Active:         true,
	}
}

// mocksFor returns a healthy mock client for every registry entry not in overrides.
func mocksFor(reg *qr.Registry, overrides ...*mock.Provider) []qr.Provider {
	byID := make(map[string]qr.Provider)
	for _, p := range overrides {
		byID[p.ID()] = p
	}
	var out []qr.Provider
	for _, d := range reg.List() {
		if p, ok := byID[d.ID]; ok {
			out = append(out, p)
			continue
		}
		out = append(out, mock.New(d.ID))
	}
	return out
}

func newTestDispatcher(t *testing.T, reg *qr.Registry, store qr.CounterStore, providers []qr.Provider, opts ...qr.Option) *qr.Dispatcher {
	t.Helper()
	if store == nil {
		store = quota.NewMemoryStore()
	}
	d, err := qr.NewDispatcher(reg, store, providers, opts...)
	require.NoError(t, err)
	return d
}

func chat(content string) qr.ChatRequest {
	return qr.ChatRequest{Messages: []qr.Message{{Role: "user", Content: content}}}
}

// hookStore wraps a CounterStore and runs a callback before each increment.
type hookStore struct {
	qr.CounterStore
	beforeIncrement func(key qr.BucketKey) error
}

func (s *hookStore) IncrementIfBelow(ctx context.Context, key qr.BucketKey, limit int64) (int64, bool, error) {
	if s.beforeIncrement != nil {
		if err := s.beforeIncrement(key); err != nil {
			return 0, false, err
		}
	}
	return s.CounterStore.IncrementIfBelow(ctx, key, limit)
}
