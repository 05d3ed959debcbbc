// Package watcher delivers debounced change notifications for files and
// directories.
package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is used when a watch is registered without one.
const DefaultDebounce = 500 * time.Millisecond

// Callback is called once per burst of changes.
type Callback func()

// Watcher monitors paths for changes. A single Watcher can hold any number of
// watches, each identified by a key.
type Watcher struct {
	mu      sync.RWMutex
	watches map[string]*watch // key → watch
	log     *slog.Logger
}

type watch struct {
	key       string
	path      string
	base      string // non-empty when watching a single file
	debounce  time.Duration
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	callback  Callback
}

// New creates a new file system watcher.
func New(log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		watches: make(map[string]*watch),
		log:     log,
	}
}

// Watch starts watching path under key, replacing any previous watch with
// the same key. A file is watched through its parent directory so that
// editors which replace the file by rename are still seen.
func (w *Watcher) Watch(key, path string, debounce time.Duration, cb Callback) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	info, err := os.Stat(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	wt := &watch{
		key:      key,
		path:     path,
		debounce: debounce,
		cancel:   make(chan struct{}),
		callback: cb,
	}
	dir := path
	if err != nil || !info.IsDir() {
		dir = filepath.Dir(path)
		wt.base = filepath.Base(path)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(dir); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	wt.fsWatcher = fsW

	w.Unwatch(key)
	w.mu.Lock()
	w.watches[key] = wt
	w.mu.Unlock()

	go w.watchLoop(wt)
	return nil
}

// Unwatch stops the watch registered under key.
func (w *Watcher) Unwatch(key string) {
	w.mu.Lock()
	wt, ok := w.watches[key]
	if ok {
		delete(w.watches, key)
	}
	w.mu.Unlock()

	if ok {
		close(wt.cancel)
		wt.fsWatcher.Close()
	}
}

// Watching reports whether a watch is registered under key.
func (w *Watcher) Watching(key string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.watches[key]
	return ok
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(wt *watch) {
	var timer *time.Timer

	for {
		select {
		case <-wt.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-wt.fsWatcher.Events:
			if !ok {
				return
			}
			if wt.base != "" && filepath.Base(event.Name) != wt.base {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(wt.debounce, func() {
				select {
				case <-wt.cancel:
				default:
					wt.callback()
				}
			})

		case err, ok := <-wt.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "key", wt.key, "path", wt.path, "error", err)
		}
	}
}

// Shutdown stops all watches.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	keys := make([]string, 0, len(w.watches))
	for key := range w.watches {
		keys = append(keys, key)
	}
	w.mu.Unlock()

	for _, key := range keys {
		w.Unwatch(key)
	}
}
