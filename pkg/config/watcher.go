package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/obsidia-labs/x108/pkg/engine"
)

// DefaultDebounce is how long the watcher waits after the last write
// before reloading.
const DefaultDebounce = 500 * time.Millisecond

// Applier receives reloaded profiles. *engine.Engine satisfies it.
type Applier interface {
	ApplyProfile(ctx context.Context, p engine.Profile) error
	EnterSafeHold(ctx context.Context, cause error)
}

// Watcher hot-reloads a profile file. A profile that fails to load or
// apply puts the target into safe hold until a good one arrives.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	target   Applier
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	reloaded func(error)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithReloadHook is called after every reload attempt with its result.
func WithReloadHook(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.reloaded = fn }
}

// NewWatcher watches path. The parent directory is watched so editors that
// replace the file by rename are still seen.
func NewWatcher(path string, target Applier, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}
	w := &Watcher{
		watcher:  fw,
		path:     abs,
		target:   target,
		debounce: DefaultDebounce,
		logger:   slog.Default().With("component", "profile_watcher"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Reload loads the profile and applies it.
func (w *Watcher) Reload(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, err := LoadProfile(w.path)
	if err == nil {
		err = w.target.ApplyProfile(ctx, p)
	}
	if err != nil {
		w.logger.ErrorContext(ctx, "hot-reload failed", "path", w.path, "error", err)
		w.target.EnterSafeHold(ctx, err)
	} else {
		w.logger.InfoContext(ctx, "hot-reload: profile reloaded", "path", w.path, "version", p.Version)
	}
	if w.reloaded != nil {
		w.reloaded(err)
	}
	return err
}

// Run watches for changes until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(w.debounce, func() {
					_ = w.Reload(ctx)
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WarnContext(ctx, "file watcher error", "error", err)
		}
	}
}
