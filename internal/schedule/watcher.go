// internal/schedule/watcher.go
package schedule

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher calls a reload function after the config file changes.
// Rapid changes are debounced into one call. The parent directory is
// watched so that editors replacing the file by rename are noticed.
type ConfigWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	reload   func()
	debounce time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewConfigWatcher watches path
func NewConfigWatcher(path string, reload func(), logger *slog.Logger) (*ConfigWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}
	return &ConfigWatcher{
		watcher:  w,
		path:     abs,
		reload:   reload,
		debounce: 500 * time.Millisecond,
		logger:   logger,
	}, nil
}

// SetDebounce sets how long changes are collected before reloading
func (cw *ConfigWatcher) SetDebounce(d time.Duration) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.debounce = d
}

// Run watches until ctx is done, then closes the watcher
func (cw *ConfigWatcher) Run(ctx context.Context) {
	defer cw.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			cw.handle(ev)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (cw *ConfigWatcher) handle(ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != cw.path {
		return
	}
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, cw.fire)
}

func (cw *ConfigWatcher) fire() {
	cw.logger.Info("config changed, reloading schedules", "path", cw.path)
	cw.reload()
}

func (cw *ConfigWatcher) stop() {
	cw.mu.Lock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.mu.Unlock()
	cw.watcher.Close()
}
