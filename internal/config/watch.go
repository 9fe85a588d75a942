package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"coursewatch/internal/logging"
)

// Watcher reloads a FileStore's config whenever its backing file changes
// and publishes a fresh snapshot. A scheduler wakeup takes the latest
// snapshot at the top of each pass (spec §5); in-flight batches keep the
// snapshot they started with.
type Watcher struct {
	store  *FileStore
	logger *slog.Logger

	current chan *Config
}

// NewWatcher creates a Watcher over store, seeding the current snapshot
// with initial.
func NewWatcher(store *FileStore, initial *Config, logger *slog.Logger) *Watcher {
	w := &Watcher{
		store:   store,
		logger:  logging.Default(logger).With("component", "config.watcher"),
		current: make(chan *Config, 1),
	}
	w.publish(initial)
	return w
}

// Snapshot returns the most recently published config.
func (w *Watcher) Snapshot() *Config {
	cfg := <-w.current
	w.publish(cfg)
	return cfg
}

func (w *Watcher) publish(cfg *Config) {
	select {
	case <-w.current:
	default:
	}
	w.current <- cfg
}

// Run watches the store's file for changes until ctx is cancelled. Parse
// failures are logged and the previous snapshot is kept; Run never returns
// an error for a bad edit, only for a broken watch.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.store.path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := w.store.Load(ctx)
			if err != nil {
				w.logger.Warn("reload failed, keeping previous config", "error", err)
				continue
			}
			if cfg == nil {
				continue
			}
			if err := cfg.Validate(); err != nil {
				w.logger.Warn("reloaded config invalid, keeping previous config", "error", err)
				continue
			}
			w.logger.Info("config reloaded")
			w.publish(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}
