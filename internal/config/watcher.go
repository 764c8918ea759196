package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the data-dir .env file and re-applies it when it changes.
type Watcher struct {
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time
	mu          sync.RWMutex
	onReload    func()
}

// NewWatcher creates a watcher for the .env file under dataDir.
func NewWatcher(dataDir string) (*Watcher, error) {
	envPath := filepath.Join(dataDir, ".env")

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		envPath:  envPath,
		watcher:  fsw,
		stopChan: make(chan struct{}),
	}

	if stat, err := os.Stat(envPath); err == nil {
		w.lastModTime = stat.ModTime()
	}

	return w, nil
}

// SetReloadCallback sets the function invoked after the .env file is re-read.
func (w *Watcher) SetReloadCallback(callback func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = callback
}

// Start begins watching the .env file's directory.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.envPath)); err != nil {
		return err
	}

	go w.watchForChanges()
	log.Info().Str("env_path", w.envPath).Msg("Started watching .env for changes")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		if err := w.watcher.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close fsnotify watcher")
		}
	})
}

func (w *Watcher) watchForChanges() {
	// Editors replace files rather than writing in place, so debounce and
	// compare mod times instead of trusting individual event types.
	var debounce *time.Timer

	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.envPath) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, w.maybeReload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) maybeReload() {
	stat, err := os.Stat(w.envPath)
	if err != nil {
		return
	}

	w.mu.Lock()
	changed := stat.ModTime().After(w.lastModTime)
	if changed {
		w.lastModTime = stat.ModTime()
	}
	onReload := w.onReload
	w.mu.Unlock()

	if !changed {
		return
	}

	if err := godotenv.Overload(w.envPath); err != nil {
		log.Warn().Err(err).Str("path", w.envPath).Msg("Failed to reload .env file")
		return
	}

	log.Info().Str("path", w.envPath).Msg(".env changed, configuration reloaded")
	if onReload != nil {
		onReload()
	}
}
