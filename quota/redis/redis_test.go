//go:build integration

package redis_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotarouter"
	quotaredis "github.com/ineyio/quotarouter/quota/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client) *quotaredis.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	s := quotaredis.New(client, quotaredis.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return s
}

func TestIncrementUpToLimit(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	key := quotarouter.BucketFor("p1", quotarouter.WindowMinute, time.Now())

	for i := 1; i <= 3; i++ {
		n, ok, err := store.IncrementIfBelow(ctx, key, 3)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if !ok || n != int64(i) {
			t.Fatalf("increment %d: got n=%d ok=%v", i, n, ok)
		}
	}

	n, ok, err := store.IncrementIfBelow(ctx, key, 3)
	if err != nil {
		t.Fatalf("increment over limit: %v", err)
	}
	if ok || n != 3 {
		t.Fatalf("expected rejection at 3, got n=%d ok=%v", n, ok)
	}
}

func TestBucketExpiresAfterWindow(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	key := quotarouter.BucketFor("p1", quotarouter.WindowMinute, time.Now())
	if _, _, err := store.IncrementIfBelow(ctx, key, 10); err != nil {
		t.Fatalf("increment: %v", err)
	}

	ttl, err := client.PTTL(ctx, store.Key(key)).Result()
	if err != nil {
		t.Fatalf("pttl: %v", err)
	}
	if ttl <= 0 || ttl > 2*time.Minute+time.Second {
		t.Fatalf("unexpected ttl %s", ttl)
	}
}

func TestDecrementStopsAtZero(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	key := quotarouter.BucketFor("p1", quotarouter.WindowDay, time.Now())
	if _, _, err := store.IncrementIfBelow(ctx, key, 10); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := store.Decrement(ctx, key); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if err := store.Decrement(ctx, key); err != nil {
		t.Fatalf("second decrement: %v", err)
	}

	n, err := store.Count(ctx, key)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
}

func TestConcurrentIncrementsNoOverAllocation(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	key := quotarouter.BucketFor("p1", quotarouter.WindowMinute, time.Now())

	var wg sync.WaitGroup
	var successCount atomic.Int64

	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.IncrementIfBelow(ctx, key, 10)
			if err == nil && ok {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	if successCount.Load() != 10 {
		t.Fatalf("expected exactly 10 successful increments, got %d", successCount.Load())
	}
}

func TestTrackerOverRedis(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	reg, err := quotarouter.NewRegistry([]quotarouter.ProviderDescriptor{
		{ID: "p1", PerMinuteLimit: 5, PerDayLimit: 1, Active: true},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	tracker := quotarouter.NewUsageTracker(store, reg)
	now := time.Now()

	if _, err := tracker.Reserve(ctx, "p1", now); err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	_, err = tracker.Reserve(ctx, "p1", now)
	var qe *quotarouter.QuotaExceededError
	if !errors.As(err, &qe) || qe.Window != quotarouter.WindowDay {
		t.Fatalf("expected day quota exceeded, got %v", err)
	}

	snap, err := tracker.Peek(ctx, "p1", now)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if snap.MinuteCount != 1 || snap.DayCount != 1 {
		t.Fatalf("rolled back minute charge leaked: %+v", snap)
	}
}

func TestIncrementIgnoresCallerCancellation(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	key := quotarouter.BucketFor("p1", quotarouter.WindowMinute, time.Now())
	n, ok, err := store.IncrementIfBelow(ctx, key, 5)
	if err != nil {
		t.Fatalf("increment with canceled ctx: %v", err)
	}
	if !ok || n != 1 {
		t.Fatalf("expected applied increment, got n=%d ok=%v", n, ok)
	}

	got, err := store.Count(context.Background(), key)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if got != n {
		t.Fatalf("reported %d but stored %d", n, got)
	}
}

func TestKeyPrefixIsolation(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	s1 := quotaredis.New(client, quotaredis.WithKeyPrefix("test:iso1:"))
	s2 := quotaredis.New(client, quotaredis.WithKeyPrefix("test:iso2:"))
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, "test:iso*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})

	key := quotarouter.BucketFor("p1", quotarouter.WindowMinute, time.Now())
	s1.IncrementIfBelow(ctx, key, 10)
	s1.IncrementIfBelow(ctx, key, 10)
	s2.IncrementIfBelow(ctx, key, 10)

	n1, _ := s1.Count(ctx, key)
	n2, _ := s2.Count(ctx, key)

	if n1 != 2 {
		t.Fatalf("s1 expected 2, got %d", n1)
	}
	if n2 != 1 {
		t.Fatalf("s2 expected 1, got %d", n2)
	}
}
