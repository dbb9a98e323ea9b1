package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Nash0810/tcpbalance/internal/logging"
)

// DefaultDebounce is the quiet period after the last write before reloading
const DefaultDebounce = 500 * time.Millisecond

// Watcher watches the config file and hands each valid reload to onChange
type Watcher struct {
	path     string
	logger   *logging.Logger
	onChange func(*Config) error
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a config file watcher. The containing directory is
// watched so editors that replace the file atomically are still seen.
func NewWatcher(path string, logger *logging.Logger, onChange func(*Config) error) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	return &Watcher{
		path:     path,
		logger:   logger,
		onChange: onChange,
		watcher:  watcher,
		debounce: DefaultDebounce,
	}, nil
}

// Start blocks processing file events until ctx is cancelled
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Info("config_watcher_started", "file", w.path)
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			w.logger.Info("config_watcher_stopped")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}

			w.logger.Debug("config_file_changed", "event", event.Op.String())
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config_watcher_error", "error", err.Error())
		}
	}
}

// schedule restarts the debounce timer
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

// reload loads the config and calls the onChange callback
func (w *Watcher) reload() {
	w.logger.Info("reloading_config", "file", w.path)

	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Error("config_reload_failed", "error", err.Error())
		return
	}

	if err := w.onChange(cfg); err != nil {
		w.logger.Error("config_apply_failed", "error", err.Error())
		return
	}

	w.logger.Info("config_reloaded_successfully")
}
