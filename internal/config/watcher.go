package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/metacog-lab/backend/internal/staircase"
	"go.uber.org/zap"
)

// Static serves a fixed staircase config.
type Static staircase.Config

func (s Static) Current() staircase.Config { return staircase.Config(s) }

// Watcher keeps the staircase defaults in sync with a file on disk. A reload
// that fails to parse or validate is logged and the previous config stays in
// effect.
type Watcher struct {
	mu       sync.RWMutex
	path     string
	current  staircase.Config
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	debounce time.Duration
	pending  time.Time
	reloads  int
	onReload func(staircase.Config)
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must stay quiet before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// OnReload registers a callback run after each successful reload.
func OnReload(fn func(staircase.Config)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher loads path once and prepares to watch it. The initial load must
// succeed.
func NewWatcher(path string, logger *zap.Logger, opts ...WatcherOption) (*Watcher, error) {
	cfg, err := LoadStaircase(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		current:  cfg,
		watcher:  fw,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Current returns the config new sessions should start with.
func (w *Watcher) Current() staircase.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Reloads counts successful reloads since start.
func (w *Watcher) Reloads() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reloads
}

// Start watches the config file's directory so editor rename-and-replace
// saves are seen. It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("watching staircase config", zap.String("path", w.path))

	go w.run(ctx)
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		_ = w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.logger.Warn("close config watcher", zap.Error(err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := time.NewTicker(w.debounce / 2)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case <-tick.C:
			w.mu.RLock()
			due := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
			w.mu.RUnlock()
			if due {
				_ = w.Reload()
			}
		}
	}
}

// Reload re-reads the file now.
func (w *Watcher) Reload() error {
	w.mu.Lock()
	w.pending = time.Time{}
	w.mu.Unlock()

	cfg, err := LoadStaircase(w.path)
	if err != nil {
		w.logger.Warn("staircase config reload rejected", zap.String("path", w.path), zap.Error(err))
		return err
	}

	w.mu.Lock()
	w.current = cfg
	w.reloads++
	fn := w.onReload
	w.mu.Unlock()

	w.logger.Info("staircase config reloaded",
		zap.String("path", w.path),
		zap.String("method", string(cfg.Method)),
		zap.Int("initial_value", cfg.InitialValue))
	if fn != nil {
		fn(cfg)
	}
	return nil
}
