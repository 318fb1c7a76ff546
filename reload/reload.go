// Package reload applies provider activation changes from the config file
// without a restart.
//
// The registry is load-once-then-toggle-only: a reload applies the active
// flag of providers that already exist and ignores every other change.
package reload

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ineyio/quotarouter"
)

// Watcher re-reads the config file on change or SIGHUP and toggles
// providers in the registry.
type Watcher struct {
	path     string
	registry *quotarouter.Registry
	logger   zerolog.Logger
}

// New creates a Watcher for the config file at path.
func New(path string, registry *quotarouter.Registry, logger zerolog.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	return &Watcher{path: absPath, registry: registry, logger: logger}, nil
}

// Reload reads the file and applies activation changes. An invalid file
// leaves the registry untouched.
func (w *Watcher) Reload() error {
	cfg, err := quotarouter.LoadConfig(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("config reload failed, keeping current registry")
		return fmt.Errorf("reload config: %w", err)
	}

	seen := make(map[string]bool, len(cfg.Providers))
	for _, next := range cfg.Descriptors() {
		seen[next.ID] = true

		cur, err := w.registry.Get(next.ID)
		if err != nil {
			w.logger.Warn().Str("provider", next.ID).Msg("new provider ignored until restart")
			continue
		}
		if cur.PerMinuteLimit != next.PerMinuteLimit ||
			cur.PerDayLimit != next.PerDayLimit ||
			cur.Priority != next.Priority {
			w.logger.Warn().Str("provider", next.ID).Msg("limit or priority change ignored until restart")
		}
		if cur.Active != next.Active {
			if err := w.registry.SetActive(next.ID, next.Active); err != nil {
				return err
			}
			w.logger.Info().
				Str("provider", next.ID).
				Bool("active", next.Active).
				Msg("provider activation changed")
		}
	}

	for _, d := range w.registry.List() {
		if !seen[d.ID] {
			w.logger.Warn().Str("provider", d.ID).Msg("removed provider kept until restart")
		}
	}

	return nil
}

// Run watches the config file and SIGHUP until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory (more reliable for editors that do atomic saves)
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch directory: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	w.logger.Info().Str("path", w.path).Msg("watching config file for activation changes")

	filename := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			// React to write or create (atomic save = create)
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.logger.Debug().
					Str("event", event.Op.String()).
					Str("file", event.Name).
					Msg("config file changed")
				_ = w.Reload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("file watcher error")

		case <-sigCh:
			w.logger.Info().Msg("received SIGHUP, reloading config")
			_ = w.Reload()
		}
	}
}
