package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ineyio/quotarouter"
)

// SQLiteBackend stores dispatch records in a local SQLite file.
type SQLiteBackend struct {
	db *sql.DB
}

var _ Backend = (*SQLiteBackend)(nil)

// NewSQLiteBackend opens (creating if needed) the database at path.
func NewSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("quotarouter/audit: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("quotarouter/audit: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("quotarouter/audit: open database: %w", err)
	}
	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSQLiteSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("quotarouter/audit: initialize schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS dispatch_records (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL DEFAULT '',
		success BOOLEAN NOT NULL,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		dispatched_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dispatch_records_at ON dispatch_records(dispatched_at);
	`)
	return err
}

// WriteBatch inserts records in one transaction.
func (b *SQLiteBackend) WriteBatch(ctx context.Context, records []quotarouter.DispatchRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("quotarouter/audit: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO dispatch_records
			(id, provider_id, success, latency_ms, attempts, reason, dispatched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("quotarouter/audit: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.ProviderID, r.Success, r.LatencyMs(), r.Attempts, r.Reason, r.Timestamp.UnixMilli(),
		); err != nil {
			return fmt.Errorf("quotarouter/audit: insert %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("quotarouter/audit: commit: %w", err)
	}
	return nil
}

// Summary aggregates records per provider since the given time.
func (b *SQLiteBackend) Summary(ctx context.Context, since time.Time) ([]ProviderSummary, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			provider_id,
			COUNT(*),
			SUM(CASE WHEN success THEN 1 ELSE 0 END),
			SUM(CASE WHEN success THEN 0 ELSE 1 END),
			COALESCE(AVG(latency_ms), 0)
		FROM dispatch_records
		WHERE dispatched_at >= ?
		GROUP BY provider_id
		ORDER BY provider_id
	`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("quotarouter/audit: query summary: %w", err)
	}
	defer rows.Close()

	var out []ProviderSummary
	for rows.Next() {
		var s ProviderSummary
		if err := rows.Scan(&s.ProviderID, &s.Dispatches, &s.Successes, &s.Failures, &s.AvgLatencyMs); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Cleanup removes records older than before.
func (b *SQLiteBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM dispatch_records WHERE dispatched_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("quotarouter/audit: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (b *SQLiteBackend) Close() error { return b.db.Close() }
