package config

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the burst of write events many editors and
// deployment tools emit for a single logical save.
const debounceWindow = 300 * time.Millisecond

// Watcher reloads a Config from disk whenever its backing file changes and
// notifies subscribers with the freshly validated result. A failed reload
// leaves the last-known-good config in place and is reported via OnError.
type Watcher struct {
	path string
	log  *slog.Logger

	mu      sync.RWMutex
	current *Config

	watcher *fsnotify.Watcher
	timer   *time.Timer
	done    chan struct{}

	onReload func(*Config)
	onError  func(error)
}

// NewWatcher loads the config at path and prepares a Watcher to track it.
// Call Start to begin watching for filesystem changes.
func NewWatcher(path string, log *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		path:    path,
		log:     log,
		current: cfg,
		done:    make(chan struct{}),
	}, nil
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.onReload = fn
}

// OnError registers a callback invoked when a reload attempt fails. The
// previously loaded config remains active.
func (w *Watcher) OnError(fn func(error)) {
	w.onError = fn
}

// Current returns the most recently loaded, validated configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching the config file for changes. It is safe to call
// Stop even if Start was never called or failed.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.path); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	go w.watchLoop()
	return nil
}

// Stop releases the underlying filesystem watch.
func (w *Watcher) Stop() {
	select {
	case <-w.done:
		return
	default:
	}
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceWindow, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("config reload failed, keeping previous config", "path", w.path, "error", err)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.log.Info("config reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
