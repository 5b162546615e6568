package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDuration absorbs editors that perform atomic saves (write to a
// temp file, then rename), which otherwise fire several fsnotify events for
// one logical edit (grounded on pkg/tui/styles.ThemeWatcher's debounce).
const debounceDuration = 300 * time.Millisecond

// Watcher reloads a Config whenever its backing file changes on disk and
// notifies every registered OnChange callback.
type Watcher struct {
	mu      sync.Mutex
	cfg     *Config
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// Watch starts watching cfg's file for changes. Call Stop to release the
// underlying fsnotify watcher.
func Watch(cfg *Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(cfg.path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{cfg: cfg, watcher: fw, stop: make(chan struct{})}
	go w.loop()
	return w, nil
}

// Stop ends the watch loop and releases the fsnotify watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stop:
		return // already stopped
	default:
		close(w.stop)
	}
	w.watcher.Close()
}

func (w *Watcher) loop() {
	target := filepath.Clean(w.cfg.path)
	var debounce *time.Timer

	for {
		select {
		case <-w.stop:
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config file watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	if err := w.cfg.reload(); err != nil {
		slog.Error("failed to reload config", "path", w.cfg.path, "error", err)
		return
	}
	w.cfg.notify()
}
