package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"mnemo/internal/logging"
)

// Watcher hot-reloads tunable config sections (quality thresholds, quotas,
// rate limits) for long-running serve mode. Identity options (db path, HTTP
// address) require a restart; a change there logs a warning and keeps the
// running values.
type Watcher struct {
	workspace string
	fw        *fsnotify.Watcher

	mu      sync.RWMutex
	current *Config
	onApply func(*Config)

	debounce *time.Timer
	done     chan struct{}
	closed   sync.Once
}

// NewWatcher starts watching .mnemo/config.json. onApply is called with the
// freshly loaded config after every accepted reload.
func NewWatcher(workspace string, initial *Config, onApply func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save and
	// a file-level watch would be lost after the first rename.
	dir := filepath.Dir(Path(workspace))
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &Watcher{
		workspace: workspace,
		fw:        fw,
		current:   initial,
		onApply:   onApply,
		done:      make(chan struct{}),
	}
	go w.loop()
	logging.Boot("config watcher started on %s", dir)
	return w, nil
}

// Current returns the most recently applied config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.closed.Do(func() {
		close(w.done)
		err = w.fw.Close()
	})
	return err
}

func (w *Watcher) loop() {
	target := filepath.Base(Path(w.workspace))
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryBoot).Warn("config watcher error: %v", err)
		}
	}
}

// scheduleReload coalesces a burst of write events into one reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(250*time.Millisecond, w.reload)
}

func (w *Watcher) reload() {
	fresh, err := Load(w.workspace)
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("config reload rejected: %v", err)
		return
	}

	w.mu.Lock()
	old := w.current
	// Identity options cannot change under a running process.
	if old != nil {
		if fresh.GetDBPath(w.workspace) != old.GetDBPath(w.workspace) {
			logging.Get(logging.CategoryBoot).Warn("db_path changed on disk; restart required, keeping %s", old.GetDBPath(w.workspace))
			fresh.DBPath = old.DBPath
		}
		if fresh.GetHTTP().Addr() != old.GetHTTP().Addr() {
			logging.Get(logging.CategoryBoot).Warn("http address changed on disk; restart required, keeping %s", old.GetHTTP().Addr())
			fresh.HTTP = old.HTTP
		}
	}
	w.current = fresh
	apply := w.onApply
	w.mu.Unlock()

	_ = logging.ReloadConfig()
	if apply != nil {
		apply(fresh)
	}
	logging.Boot("config reloaded from disk")
}
