// Package app assembles the service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ineyio/quotarouter"
	"github.com/ineyio/quotarouter/audit"
	"github.com/ineyio/quotarouter/meter"
	"github.com/ineyio/quotarouter/policy"
	"github.com/ineyio/quotarouter/provider/gemini"
	"github.com/ineyio/quotarouter/provider/mock"
	"github.com/ineyio/quotarouter/provider/openaicompat"
	"github.com/ineyio/quotarouter/quota"
	quotapg "github.com/ineyio/quotarouter/quota/postgres"
	quotaredis "github.com/ineyio/quotarouter/quota/redis"
	"github.com/ineyio/quotarouter/reload"
	"github.com/ineyio/quotarouter/server"
)

const shutdownTimeout = 15 * time.Second

// App is a fully wired service.
type App struct {
	Config     quotarouter.Config
	Dispatcher *quotarouter.Dispatcher
	Handler    *server.Handler
	Metrics    *prometheus.Registry

	logger  zerolog.Logger
	sink    *audit.Sink
	watcher *reload.Watcher
	workers []func(ctx context.Context) error
	closers []func() error
}

// New builds the service. configPath enables the activation watcher when
// non-empty.
func New(ctx context.Context, cfg quotarouter.Config, configPath string, logger zerolog.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Metrics: prometheus.NewRegistry(),
		logger:  logger,
	}
	a.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	registry, err := quotarouter.NewRegistry(cfg.Descriptors())
	if err != nil {
		return nil, err
	}

	store, err := a.buildStore(ctx, cfg.Quota)
	if err != nil {
		a.Close()
		return nil, err
	}

	pol, err := policy.ByName(cfg.SelectionPolicy)
	if err != nil {
		a.Close()
		return nil, err
	}

	meters := meter.Multi{
		meter.NewLogMeter(logger.With().Str("component", "meter").Logger()),
		meter.NewPrometheusMeter(a.Metrics),
	}

	var auditBackend audit.Backend
	if cfg.Audit.DSN != "" {
		auditBackend, err = audit.NewBackend(ctx, cfg.Audit.DSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, auditBackend.Close)
		a.sink = audit.NewSink(auditBackend,
			audit.WithBatchSize(cfg.Audit.BatchSize),
			audit.WithFlushInterval(cfg.Audit.FlushInterval),
			audit.WithQueueSize(cfg.Audit.QueueSize),
			audit.WithRetention(cfg.Audit.Retention),
			audit.WithLogger(logger.With().Str("component", "audit").Logger()),
		)
		a.workers = append(a.workers, a.sink.Run)
		meters = append(meters, a.sink)
	}

	a.Dispatcher, err = quotarouter.NewDispatcher(registry, store, buildProviders(cfg),
		quotarouter.WithPolicy(pol),
		quotarouter.WithMeter(meters),
		quotarouter.WithLogger(logger),
		quotarouter.WithMaxAttempts(cfg.MaxAttempts),
		quotarouter.WithCooldown(cfg.Cooldown),
		quotarouter.WithInvokeTimeout(cfg.InvokeTimeout),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Metrics.MustRegister(meter.NewUsageCollector(a.Dispatcher.Stats))

	if configPath != "" {
		a.watcher, err = reload.New(configPath, registry, logger.With().Str("component", "reload").Logger())
		if err != nil {
			a.Close()
			return nil, err
		}
		a.workers = append(a.workers, a.watcher.Run)
	}

	a.Handler = server.NewHandler(server.Deps{
		Dispatcher: a.Dispatcher,
		Audit:      auditBackend,
		Gatherer:   a.Metrics,
		Logger:     logger.With().Str("component", "http").Logger(),
	})

	return a, nil
}

// buildStore opens the configured counter store and registers its janitor.
func (a *App) buildStore(ctx context.Context, cfg quotarouter.QuotaConfig) (quotarouter.CounterStore, error) {
	switch cfg.Backend {
	case quotarouter.QuotaBackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("%w: redis %s: %w", quotarouter.ErrQuotaStore, cfg.RedisAddr, err)
		}
		a.closers = append(a.closers, client.Close)

		var opts []quotaredis.Option
		if cfg.KeyPrefix != "" {
			opts = append(opts, quotaredis.WithKeyPrefix(cfg.KeyPrefix))
		}
		// Redis expires buckets itself; no janitor.
		return quotaredis.New(client, opts...), nil

	case quotarouter.QuotaBackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("%w: postgres: %w", quotarouter.ErrQuotaStore, err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })

		opts := []quotapg.Option{
			quotapg.WithLogger(a.logger.With().Str("component", "quota").Logger()),
		}
		if cfg.KeyPrefix != "" {
			opts = append(opts, quotapg.WithTablePrefix(cfg.KeyPrefix))
		}
		store := quotapg.New(pool, opts...)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		a.workers = append(a.workers, func(ctx context.Context) error {
			return store.RunJanitor(ctx, cfg.SweepInterval)
		})
		return store, nil

	default:
		store := quota.NewMemoryStore()
		a.workers = append(a.workers, func(ctx context.Context) error {
			return store.RunJanitor(ctx, cfg.SweepInterval)
		})
		return store, nil
	}
}

func buildProviders(cfg quotarouter.Config) []quotarouter.Provider {
	// The dispatcher's invoke timeout bounds each call; the client timeout
	// only catches connections that outlive it.
	httpClient := &http.Client{Timeout: cfg.InvokeTimeout + 5*time.Second}

	providers := make([]quotarouter.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		switch p.Kind {
		case quotarouter.ProviderKindMock:
			providers = append(providers, mock.New(p.ID, mock.WithModel(p.Model)))
		case quotarouter.ProviderKindGemini:
			providers = append(providers, gemini.New(p.ID, p.APIKey, p.Model,
				gemini.WithBaseURL(p.BaseURL),
				gemini.WithHTTPClient(httpClient),
				gemini.WithGenerationConfig(p.Extra),
			))
		default:
			providers = append(providers, openaicompat.New(p.ID, p.BaseURL, p.APIKey, p.Model,
				openaicompat.WithHTTPClient(httpClient),
				openaicompat.WithExtraBody(p.Extra),
			))
		}
	}
	return providers
}

// Run serves HTTP and runs background workers until ctx is done or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              a.Config.Listen,
		Handler:           a.Handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		a.logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	for _, w := range a.workers {
		g.Go(func() error { return w(gctx) })
	}

	return g.Wait()
}

// Close releases store and audit connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
