package config

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opendsc/opendsc/pkg/logging"
)

// reloadDebounceInterval is how long to wait after the last file change
// before re-reading the layers, so an editor that writes several times in a
// row triggers one reload.
const reloadDebounceInterval = 500 * time.Millisecond

// Watcher publishes the current agent configuration as an atomic snapshot
// and keeps it fresh while the overlay files change on disk. Readers call
// Snapshot at their designated read points; a reload that fails validation
// is logged failure by failure and the previous snapshot stays in place.
type Watcher struct {
	loader  *Loader
	current atomic.Pointer[Config]

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// NewWatcher loads the initial configuration. An invalid configuration at
// startup is fatal; only reloads fall back to the previous snapshot.
func NewWatcher(loader *Loader) (*Watcher, error) {
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &Watcher{loader: loader}
	w.current.Store(cfg)
	return w, nil
}

// Snapshot returns the current configuration. The returned value is shared
// and must not be mutated.
func (w *Watcher) Snapshot() *Config {
	return w.current.Load()
}

// Watch follows the overlay directories until ctx is cancelled. Watching
// the directories instead of the files survives rename-into-place writes
// and files that do not exist yet.
func (w *Watcher) Watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn("Config", "Hot reload disabled, fsnotify unavailable: %v", err)
		return
	}

	files := w.loader.layerFiles()
	dirs := map[string]struct{}{}
	for _, f := range files {
		dirs[filepath.Dir(f)] = struct{}{}
	}
	watched := 0
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			logging.Debug("Config", "Not watching %s: %v", dir, err)
			continue
		}
		watched++
	}
	if watched == 0 {
		logging.Warn("Config", "Hot reload disabled, no configuration directory is watchable")
		_ = watcher.Close()
		return
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(files, event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Error("Config", err, "Configuration watcher error")
			}
		}
	}()
	logging.Info("Config", "Watching %d configuration director(ies) for changes", watched)
}

func (w *Watcher) handleEvent(files []string, event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	name := filepath.Clean(event.Name)
	for _, f := range files {
		if filepath.Clean(f) == name {
			logging.Debug("Config", "Configuration file changed: %s", event.Name)
			w.reloadDebounced()
			return
		}
	}
}

func (w *Watcher) reloadDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(reloadDebounceInterval, w.Reload)
}

// Reload re-reads all layers and publishes the result if it validates. Also
// called directly by tests and by SIGHUP handling.
func (w *Watcher) Reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		logging.Error("Config", err, "Failed to re-read configuration, keeping the previous one")
		return
	}
	if err := cfg.Validate(); err != nil {
		for _, failure := range Failures(err) {
			logging.Error("Config", failure, "Reloaded configuration is invalid")
		}
		logging.Warn("Config", "Keeping the previous configuration")
		return
	}
	prev := w.current.Load()
	w.current.Store(cfg)
	if prev != nil && prev.LCM.Mode() != cfg.LCM.Mode() {
		logging.Info("Config", "Configuration mode changed: %s -> %s", prev.LCM.Mode(), cfg.LCM.Mode())
	}
	if prev != nil && prev.LCM.Interval() != cfg.LCM.Interval() {
		logging.Info("Config", "Cycle interval changed: %s -> %s", prev.LCM.Interval(), cfg.LCM.Interval())
	}
	logging.Info("Config", "Configuration reloaded")
}
