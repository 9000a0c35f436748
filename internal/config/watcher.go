package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the .env file and re-runs Load when it changes, handing
// the fresh Config to a reload callback. Log level changes take effect
// without a restart this way.
type Watcher struct {
	dir         string
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time

	mu       sync.Mutex
	onReload func(*Config)
}

// NewWatcher creates a watcher for the .env file inside dir.
func NewWatcher(dir string, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		dir:      dir,
		envPath:  filepath.Join(dir, ".env"),
		watcher:  fw,
		stopChan: make(chan struct{}),
		onReload: onReload,
	}
	if stat, err := os.Stat(w.envPath); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// Start begins watching. Editors replace files rather than write in place,
// so the parent directory is watched and events are filtered by name.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	go w.loop()
	log.Info().Str("path", w.envPath).Msg("Watching .env for changes")
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		_ = w.watcher.Close()
	})
}

// Reload forces a reload outside the file-change path (SIGHUP).
func (w *Watcher) Reload() {
	w.reload()
}

func (w *Watcher) loop() {
	// Debounce: editors fire several events per save.
	var pending <-chan time.Time

	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.envPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	if stat, err := os.Stat(w.envPath); err == nil {
		if stat.ModTime().Equal(w.lastModTime) {
			return
		}
		w.lastModTime = stat.ModTime()
	}

	cfg, err := Load(w.dir)
	if err != nil {
		log.Error().Err(err).Str("path", w.envPath).Msg("Config reload failed, keeping previous config")
		return
	}
	log.Info().Str("path", w.envPath).Msg("Config reloaded")

	w.mu.Lock()
	cb := w.onReload
	w.mu.Unlock()
	if cb != nil {
		cb(cfg)
	}
}
