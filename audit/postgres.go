package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/quotarouter"
)

// PostgresBackend stores dispatch records in PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

var _ Backend = (*PostgresBackend)(nil)

// NewPostgresBackend connects to dsn and ensures the schema exists.
func NewPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("quotarouter/audit: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("quotarouter/audit: ping database: %w", err)
	}

	b := &PostgresBackend{pool: pool}
	if err := b.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

func (b *PostgresBackend) ensureSchema(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS dispatch_records (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL DEFAULT '',
			success BOOLEAN NOT NULL,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			dispatched_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dispatch_records_at ON dispatch_records (dispatched_at);
	`)
	if err != nil {
		return fmt.Errorf("quotarouter/audit: ensure schema: %w", err)
	}
	return nil
}

// WriteBatch writes records with CopyFrom.
func (b *PostgresBackend) WriteBatch(ctx context.Context, records []quotarouter.DispatchRecord) error {
	if len(records) == 0 {
		return nil
	}

	columns := []string{"id", "provider_id", "success", "latency_ms", "attempts", "reason", "dispatched_at"}

	_, err := b.pool.CopyFrom(
		ctx,
		pgx.Identifier{"dispatch_records"},
		columns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			return []any{
				r.ID,
				r.ProviderID,
				r.Success,
				r.LatencyMs(),
				int32(r.Attempts),
				r.Reason,
				r.Timestamp,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("quotarouter/audit: copy records: %w", err)
	}
	return nil
}

// Summary aggregates records per provider since the given time.
func (b *PostgresBackend) Summary(ctx context.Context, since time.Time) ([]ProviderSummary, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			provider_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE success),
			COUNT(*) FILTER (WHERE NOT success),
			COALESCE(AVG(latency_ms), 0)::float8
		FROM dispatch_records
		WHERE dispatched_at >= $1
		GROUP BY provider_id
		ORDER BY provider_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("quotarouter/audit: query summary: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ProviderSummary, error) {
		var s ProviderSummary
		err := row.Scan(&s.ProviderID, &s.Dispatches, &s.Successes, &s.Failures, &s.AvgLatencyMs)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("quotarouter/audit: scan summary: %w", err)
	}
	return out, nil
}

// Cleanup removes records older than before.
func (b *PostgresBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM dispatch_records WHERE dispatched_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("quotarouter/audit: cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close closes the connection pool.
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}
