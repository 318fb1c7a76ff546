// Package audit persists dispatch records asynchronously.
//
// Sink implements quotarouter.Meter: records are queued without blocking
// the request path and written in batches to a Backend selected by DSN.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ineyio/quotarouter"
)

// Backend stores dispatch records. Implementations must be safe for
// concurrent use.
type Backend interface {
	// WriteBatch persists records in one round trip.
	WriteBatch(ctx context.Context, records []quotarouter.DispatchRecord) error

	// Summary aggregates records per provider since the given time.
	Summary(ctx context.Context, since time.Time) ([]ProviderSummary, error)

	// Cleanup removes records older than before.
	Cleanup(ctx context.Context, before time.Time) (int64, error)

	// Close releases the underlying connection.
	Close() error
}

// ProviderSummary aggregates dispatch outcomes for one provider. Calls that
// never reached a provider are reported under an empty ProviderID.
type ProviderSummary struct {
	ProviderID   string  `json:"provider_id"`
	Dispatches   int64   `json:"dispatches"`
	Successes    int64   `json:"successes"`
	Failures     int64   `json:"failures"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// NewBackend opens the backend named by dsn: postgres://... or
// postgresql://... for PostgreSQL, sqlite://path for SQLite.
func NewBackend(ctx context.Context, dsn string) (Backend, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresBackend(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLiteBackend(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	case dsn == "":
		return nil, fmt.Errorf("quotarouter/audit: DSN is required (use sqlite:// or postgres://)")
	default:
		return nil, fmt.Errorf("quotarouter/audit: unsupported DSN scheme: %q", dsn)
	}
}
