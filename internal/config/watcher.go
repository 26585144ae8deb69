package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the active config file and re-applies the runtime-safe
// subset of settings (cache TTL, private-backend mode) when it changes.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once
	onReload func(*Settings)
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, onReload func(*Settings)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     path,
		watcher:  fsw,
		stopChan: make(chan struct{}),
		onReload: onReload,
	}

	// Watch the directory rather than the file: editors replace files on
	// save and the original inode stops receiving events.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop terminates the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		_ = w.watcher.Close()
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	settings, err := NewLoader().WithConfigPath(w.path).Load()
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Config reload failed, keeping current settings")
		return
	}
	log.Info().Str("path", w.path).Msg("Configuration reloaded")
	if w.onReload != nil {
		w.onReload(settings)
	}
}
