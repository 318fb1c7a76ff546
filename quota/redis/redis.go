// Package redis provides a Redis-backed CounterStore for quotarouter.
//
// Each bucket is a plain Redis integer key. Check-and-increment runs as a
// Lua script, so it is atomic per bucket across every instance sharing the
// Redis. Keys expire shortly after their window closes, which is the only
// garbage collection needed.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotarouter"
)

const (
	// expiryGrace keeps a bucket readable briefly after its window ends.
	expiryGrace = time.Minute

	// incrementTimeout bounds an increment detached from the caller's
	// cancellation.
	incrementTimeout = 5 * time.Second
)

// Store is a Redis-backed CounterStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ quotarouter.CounterStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "quotarouter:bucket:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed CounterStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "quotarouter:bucket:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the Redis key for a bucket. The provider id is wrapped in a
// hash tag so both windows of a provider land on the same cluster slot.
func (s *Store) Key(key quotarouter.BucketKey) string {
	return s.keyPrefix + "{" + key.ProviderID + "}:" + string(key.Window) + ":" + strconv.FormatInt(key.Start, 10)
}

// incrScript increments a bucket only if the result stays within the limit.
// KEYS[1] = bucket key
// ARGV[1] = limit
// ARGV[2] = expire-at (unix milliseconds)
//
// Returns {applied, count}: applied is 1 if incremented, 0 if rejected.
var incrScript = goredis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])

local cur = tonumber(redis.call("GET", key) or "0")
if cur + 1 > limit then
    return {0, cur}
end

cur = redis.call("INCR", key)
if cur == 1 then
    redis.call("PEXPIREAT", key, ARGV[2])
end
return {1, cur}
`)

// decrScript decrements a bucket, never below zero and never creating it.
// KEYS[1] = bucket key
var decrScript = goredis.NewScript(`
local key = KEYS[1]
local cur = tonumber(redis.call("GET", key) or "0")
if cur <= 0 then
    return 0
end
return redis.call("DECR", key)
`)

// IncrementIfBelow atomically adds one to the bucket if the result is <= limit.
// The script runs detached from ctx cancellation, so an increment Redis
// applied is never reported as failed.
func (s *Store) IncrementIfBelow(ctx context.Context, key quotarouter.BucketKey, limit int64) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), incrementTimeout)
	defer cancel()

	expireAt := key.End().Add(expiryGrace).UnixMilli()

	vals, err := incrScript.Run(ctx, s.client, []string{s.Key(key)}, limit, expireAt).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("quotarouter/redis: increment: %w", err)
	}
	if len(vals) != 2 {
		return 0, false, fmt.Errorf("quotarouter/redis: unexpected increment result: %v", vals)
	}
	return vals[1], vals[0] == 1, nil
}

// Decrement removes one from the bucket.
func (s *Store) Decrement(ctx context.Context, key quotarouter.BucketKey) error {
	if err := decrScript.Run(ctx, s.client, []string{s.Key(key)}).Err(); err != nil {
		return fmt.Errorf("quotarouter/redis: decrement: %w", err)
	}
	return nil
}

// Count returns the bucket count.
func (s *Store) Count(ctx context.Context, key quotarouter.BucketKey) (int64, error) {
	n, err := s.client.Get(ctx, s.Key(key)).Int64()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quotarouter/redis: count: %w", err)
	}
	return n, nil
}
