package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"maestro/internal/logging"
)

// Watcher reloads the project config when .project-config.json changes and
// hands the fresh config to registered callbacks. A failed reload keeps the
// previous config and logs the parse error.
type Watcher struct {
	mu        sync.RWMutex
	dir       string
	current   *ProjectConfig
	callbacks []func(*ProjectConfig)
	fsw       *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher starts watching dir for config changes. The initial config must
// already be loaded by the caller.
func NewWatcher(dir string, initial *ProjectConfig) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		dir:     dir,
		current: initial,
		fsw:     fsw,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the latest successfully loaded config.
func (w *Watcher) Current() *ProjectConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked after every successful reload.
func (w *Watcher) OnChange(cb func(*ProjectConfig)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	target := filepath.Join(w.dir, FileName)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Name != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryBoot).Warn("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.dir)
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("config reload failed, keeping previous: %v", err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	callbacks := append([]func(*ProjectConfig)(nil), w.callbacks...)
	w.mu.Unlock()

	logging.Get(logging.CategoryBoot).Info("project config reloaded")
	for _, cb := range callbacks {
		cb(cfg)
	}
}
