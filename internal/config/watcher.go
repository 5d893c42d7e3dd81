package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PolicyLoader applies a policy file. The store's LoadFile satisfies it.
type PolicyLoader interface {
	LoadFile(path string) error
}

// WatcherStats tracks reload outcomes.
type WatcherStats struct {
	ReloadsTotal   int64     `json:"reloads_total"`
	ReloadsSuccess int64     `json:"reloads_success"`
	ReloadsFailed  int64     `json:"reloads_failed"`
	LastReload     time.Time `json:"last_reload,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// PolicyWatcher hot-reloads one policy file on change. A reload that fails
// validation leaves the previous policy snapshot in place; enforcement never
// sees a half-applied file.
type PolicyWatcher struct {
	path     string
	loader   PolicyLoader
	debounce time.Duration
	log      *slog.Logger
	onReload func(err error)

	watcher *fsnotify.Watcher
	running atomic.Bool

	mu    sync.Mutex
	stats WatcherStats
}

// WatcherConfig configures a PolicyWatcher.
type WatcherConfig struct {
	Path     string
	Loader   PolicyLoader
	Debounce time.Duration
	Log      *slog.Logger
	// OnReload is called after each attempt, nil error on success. Used by
	// tests to synchronize.
	OnReload func(err error)
}

// NewPolicyWatcher creates a watcher for one policy file.
func NewPolicyWatcher(cfg WatcherConfig) (*PolicyWatcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("policy path is required")
	}
	if cfg.Loader == nil {
		return nil, fmt.Errorf("policy loader is required")
	}
	debounce := cfg.Debounce
	if debounce == 0 {
		debounce = 100 * time.Millisecond
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &PolicyWatcher{
		path:     cfg.Path,
		loader:   cfg.Loader,
		debounce: debounce,
		log:      log,
		onReload: cfg.OnReload,
	}, nil
}

// Start begins watching. The parent directory is watched, not the file, so
// atomic rename-over saves are observed.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		w.running.Store(false)
		return fmt.Errorf("watching policy dir: %w", err)
	}
	w.watcher = watcher

	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher.
func (w *PolicyWatcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// Stats returns reload statistics.
func (w *PolicyWatcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *PolicyWatcher) processEvents(ctx context.Context) {
	var pending time.Time
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	abs, _ := filepath.Abs(w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			evAbs, _ := filepath.Abs(event.Name)
			if evAbs != abs {
				continue
			}
			pending = time.Now()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("policy watcher error", "error", err)

		case <-ticker.C:
			if pending.IsZero() || time.Since(pending) < w.debounce {
				continue
			}
			pending = time.Time{}
			w.reload()

		case <-ctx.Done():
			return
		}
	}
}

func (w *PolicyWatcher) reload() {
	err := w.loader.LoadFile(w.path)

	w.mu.Lock()
	w.stats.ReloadsTotal++
	if err != nil {
		w.stats.ReloadsFailed++
		w.stats.LastError = err.Error()
	} else {
		w.stats.ReloadsSuccess++
		w.stats.LastReload = time.Now()
	}
	w.mu.Unlock()

	if err != nil {
		w.log.Error("policy reload failed, keeping previous policies", "path", w.path, "error", err)
	} else {
		w.log.Info("policies reloaded", "path", w.path)
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}
