package postgres_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	quotapg "github.com/ineyio/quotarouter/quota/postgres"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunJanitor_RejectsNonPositiveInterval(t *testing.T) {
	s := quotapg.New(nil)
	require.Error(t, s.RunJanitor(context.Background(), 0))
	require.Error(t, s.RunJanitor(context.Background(), -time.Minute))
}

func TestRunJanitor_LogsFailedSweeps(t *testing.T) {
	// pgxpool connects lazily, so the pool is created fine and every sweep fails.
	pool, err := pgxpool.New(context.Background(), "postgres://quotarouter@127.0.0.1:1/quotarouter?connect_timeout=1")
	require.NoError(t, err)
	defer pool.Close()

	var out syncBuffer
	s := quotapg.New(pool, quotapg.WithLogger(zerolog.New(&out)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunJanitor(ctx, 10*time.Millisecond) }()

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "bucket sweep failed")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), `"consecutive_failures":1`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("janitor did not stop")
	}
}
