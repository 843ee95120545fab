package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roelfdiedericks/tabrelay/internal/bus"
	. "github.com/roelfdiedericks/tabrelay/internal/logging"
)

// Watcher reloads the config file when it changes and publishes
// bus.TopicConfigReloaded with the new *Config.
type Watcher struct {
	path     string
	debounce time.Duration
	events   *bus.Bus
	onChange func(*Config)

	watcher *fsnotify.Watcher
	stopCh  chan struct{}

	mu           sync.Mutex
	pendingTimer *time.Timer
	stopped      bool
}

// NewWatcher watches path. The directory is watched rather than the file so
// editors that replace the file by rename are seen.
func NewWatcher(path string, debounce time.Duration, events *bus.Bus, onChange func(*Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		events:   events,
		onChange: onChange,
		watcher:  fsWatcher,
		stopCh:   make(chan struct{}),
	}, nil
}

// Run processes events until Stop is called.
func (w *Watcher) Run() {
	L_debug("config: watching", "path", w.path)
	for {
		select {
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
			L_trace("config: file event", "op", event.Op.String())
			w.triggerReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			L_warn("config: watcher error", "error", err)
		}
	}
}

func (w *Watcher) triggerReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.pendingTimer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	w.pendingTimer = nil
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}

	res, err := Load(w.path)
	if err != nil {
		L_warn("config: reload failed, keeping current config", "error", err)
		return
	}
	L_info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(res.Config)
	}
	if w.events != nil {
		w.events.Publish(bus.TopicConfigReloaded, res.Config, "config")
	}
}

// Stop stops watching. Safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.mu.Unlock()

	close(w.stopCh)
	return w.watcher.Close()
}
