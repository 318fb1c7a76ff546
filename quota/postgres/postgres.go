// Package postgres provides a PostgreSQL-backed CounterStore for quotarouter.
//
// Each bucket is one row. Check-and-increment is a single conditional
// upsert, which takes the row lock for that bucket only, so it is safe for
// multi-instance deployments without serializing unrelated providers.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ineyio/quotarouter"
)

// incrementTimeout bounds an increment detached from the caller's cancellation.
const incrementTimeout = 5 * time.Second

// Store is a PostgreSQL-backed CounterStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	logger      zerolog.Logger
}

var _ quotarouter.CounterStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "quotarouter_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithLogger sets the logger used by the janitor.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a new PostgreSQL-backed CounterStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "quotarouter_",
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) bucketsTable() string { return s.tablePrefix + "buckets" }

// EnsureSchema creates the required table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			provider_id TEXT NOT NULL,
			window_kind TEXT NOT NULL,
			bucket_start BIGINT NOT NULL,
			used BIGINT NOT NULL DEFAULT 0 CHECK (used >= 0),
			window_end TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (provider_id, window_kind, bucket_start)
		);
		CREATE INDEX IF NOT EXISTS %[1]s_window_end_idx ON %[1]s (window_end);
	`, s.bucketsTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("quotarouter/postgres: ensure schema: %w", err)
	}
	return nil
}

// IncrementIfBelow atomically adds one to the bucket if the result is <= limit.
// The upsert runs detached from ctx cancellation, so a committed increment
// is never reported as failed.
func (s *Store) IncrementIfBelow(ctx context.Context, key quotarouter.BucketKey, limit int64) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), incrementTimeout)
	defer cancel()

	if limit < 1 {
		n, err := s.Count(ctx, key)
		return n, false, err
	}

	var count int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s AS b (provider_id, window_kind, bucket_start, used, window_end)
			VALUES ($1, $2, $3, 1, $4)
			ON CONFLICT (provider_id, window_kind, bucket_start)
			DO UPDATE SET used = b.used + 1
			WHERE b.used + 1 <= $5
			RETURNING used`, s.bucketsTable()),
		key.ProviderID, string(key.Window), key.Start, key.End(), limit,
	).Scan(&count)

	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict row exists and is at its limit.
		n, cerr := s.Count(ctx, key)
		return n, false, cerr
	}
	if err != nil {
		return 0, false, fmt.Errorf("quotarouter/postgres: increment: %w", err)
	}
	return count, true, nil
}

// Decrement removes one from the bucket, stopping at zero.
func (s *Store) Decrement(ctx context.Context, key quotarouter.BucketKey) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET used = used - 1
			WHERE provider_id = $1 AND window_kind = $2 AND bucket_start = $3 AND used > 0`,
			s.bucketsTable()),
		key.ProviderID, string(key.Window), key.Start,
	)
	if err != nil {
		return fmt.Errorf("quotarouter/postgres: decrement: %w", err)
	}
	return nil
}

// Count returns the bucket count.
func (s *Store) Count(ctx context.Context, key quotarouter.BucketKey) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT used FROM %s WHERE provider_id = $1 AND window_kind = $2 AND bucket_start = $3`,
			s.bucketsTable()),
		key.ProviderID, string(key.Window), key.Start,
	).Scan(&count)

	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quotarouter/postgres: count: %w", err)
	}
	return count, nil
}

// Sweep removes buckets whose window closed before now.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE window_end <= $1`, s.bucketsTable()),
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("quotarouter/postgres: sweep: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RunJanitor sweeps elapsed buckets every interval until ctx is done.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("quotarouter/postgres: janitor interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			removed, err := s.Sweep(ctx, now)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				// Retried on the next tick.
				failures++
				s.logger.Warn().Err(err).Int("consecutive_failures", failures).Msg("bucket sweep failed")
				continue
			}
			if failures > 0 {
				s.logger.Info().Int("after_failures", failures).Msg("bucket sweep recovered")
				failures = 0
			}
			if removed > 0 {
				s.logger.Debug().Int64("removed", removed).Msg("swept elapsed buckets")
			}
		}
	}
}
