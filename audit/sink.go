package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ineyio/quotarouter"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultQueueSize     = 1000
	finalFlushTimeout    = 10 * time.Second
	cleanupInterval      = time.Hour
)

// Sink queues dispatch records and writes them to a Backend in batches.
type Sink struct {
	backend       Backend
	queue         chan quotarouter.DispatchRecord
	batchSize     int
	flushInterval time.Duration
	retention     time.Duration
	now           func() time.Time
	logger        zerolog.Logger
	dropped       atomic.Int64
}

var _ quotarouter.Meter = (*Sink)(nil)

// Option configures a Sink.
type Option func(*Sink)

// WithBatchSize sets how many records are written per batch.
func WithBatchSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithFlushInterval sets how often a partial batch is written.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithQueueSize sets the queue capacity. Records beyond it are dropped.
func WithQueueSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.queue = make(chan quotarouter.DispatchRecord, n)
		}
	}
}

// WithRetention enables hourly removal of records older than d.
func WithRetention(d time.Duration) Option {
	return func(s *Sink) { s.retention = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// NewSink creates a Sink over backend. Call Run to start writing.
func NewSink(backend Backend, opts ...Option) *Sink {
	s := &Sink{
		backend:       backend,
		queue:         make(chan quotarouter.DispatchRecord, defaultQueueSize),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		now:           time.Now,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnAttempt is a no-op; only final outcomes are audited.
func (s *Sink) OnAttempt(quotarouter.AttemptEvent) {}

// OnDispatch enqueues the record. It never blocks: when the queue is full
// the record is dropped with a warning.
func (s *Sink) OnDispatch(r quotarouter.DispatchRecord) {
	select {
	case s.queue <- r:
	default:
		s.dropped.Add(1)
		s.logger.Warn().Str("dispatch_id", r.ID).Msg("audit queue full, dropping record")
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Run writes queued records until ctx is done, then drains whatever is
// still queued.
func (s *Sink) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	var cleanup <-chan time.Time
	if s.retention > 0 {
		t := time.NewTicker(cleanupInterval)
		defer t.Stop()
		cleanup = t.C
	}

	batch := make([]quotarouter.DispatchRecord, 0, s.batchSize)
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
			defer cancel()
			s.write(fctx, batch)
			return s.Flush(fctx)

		case r := <-s.queue:
			batch = append(batch, r)
			if len(batch) >= s.batchSize {
				s.write(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.write(ctx, batch)
				batch = batch[:0]
			}

		case <-cleanup:
			s.cleanup(ctx)
		}
	}
}

// Flush writes every queued record now.
func (s *Sink) Flush(ctx context.Context) error {
	batch := make([]quotarouter.DispatchRecord, 0, s.batchSize)
	for {
		select {
		case r := <-s.queue:
			batch = append(batch, r)
			if len(batch) >= s.batchSize {
				if err := s.backend.WriteBatch(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				return s.backend.WriteBatch(ctx, batch)
			}
			return nil
		}
	}
}

// write persists a batch; a failed batch is logged and discarded.
func (s *Sink) write(ctx context.Context, batch []quotarouter.DispatchRecord) {
	if len(batch) == 0 {
		return
	}
	if err := s.backend.WriteBatch(ctx, batch); err != nil {
		s.logger.Error().Err(err).Int("records", len(batch)).Msg("audit write failed")
	}
}

func (s *Sink) cleanup(ctx context.Context) {
	n, err := s.backend.Cleanup(ctx, s.now().Add(-s.retention))
	if err != nil {
		s.logger.Error().Err(err).Msg("audit cleanup failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("removed", n).Msg("audit records expired")
	}
}
