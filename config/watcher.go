package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// Watcher reloads a config file when it changes on disk and hands every
// valid new version to the registered handlers. Invalid versions are logged
// and the current config is kept.
type Watcher struct {
	path     string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu       sync.RWMutex
	current  *Config
	handlers []func(*Config)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewWatcher loads path and prepares to watch it. The file's directory is
// watched so editors that save by rename are seen too.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	config, err := LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load initial config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid initial config: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	return &Watcher{
		path:     path,
		logger:   logger,
		watcher:  fw,
		debounce: defaultDebounce,
		current:  config,
		stopCh:   make(chan struct{}),
	}, nil
}

// OnChange registers fn to receive every reloaded config.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start watches until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.watchLoop(ctx)
	w.logger.Debug("Config watcher started", "path", w.path)
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
}

func (w *Watcher) watchLoop(ctx context.Context) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if err := w.Reload(); err != nil {
					w.logger.Warn("Config reload failed, keeping current", "path", w.path, "error", err)
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}

// Reload reads the file now and notifies handlers if it is valid.
func (w *Watcher) Reload() error {
	config, err := LoadFromFile(w.path)
	if err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	w.mu.Lock()
	w.current = config
	handlers := append([]func(*Config)(nil), w.handlers...)
	w.mu.Unlock()

	for _, fn := range handlers {
		fn(config)
	}
	w.logger.Info("Config reloaded", "path", w.path)
	return nil
}
