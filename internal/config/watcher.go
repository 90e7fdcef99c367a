package config

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads the config file when it changes on disk and hands the new
// value to registered callbacks. Only settings that are safe to swap at
// runtime are consumed by callers (log level, squid host list).
type Watcher struct {
	path     string
	current  atomic.Pointer[Config]
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once
	debounce time.Duration

	mu        sync.Mutex
	callbacks []func(*Config)
	observe   func(error)
}

// NewWatcher creates a watcher seeded with the already loaded cfg.
func NewWatcher(path string, cfg *Config) (*Watcher, error) {
	if path == "" {
		path = DefaultPath
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		watcher:  fw,
		stopChan: make(chan struct{}),
		debounce: 100 * time.Millisecond,
	}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// OnChange registers a callback invoked after each successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// SetReloadObserver registers fn to receive the outcome of every reload,
// including failed ones.
func (w *Watcher) SetReloadObserver(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.observe = fn
}

// Start begins watching the directory holding the config file.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	go w.watchForChanges()
	log.Info().Str("path", w.path).Msg("Started watching config file for changes")
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

func (w *Watcher) watchForChanges() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Wait a bit for the write to complete
			time.Sleep(w.debounce)
			log.Info().Str("event", event.Op.String()).Msg("Detected config file change")
			w.Reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

// Reload re-reads the file; invalid content keeps the previous config.
func (w *Watcher) Reload() {
	cfg, err := Load(w.path)
	if err == nil {
		err = cfg.Validate()
	}

	w.mu.Lock()
	callbacks := append([]func(*Config){}, w.callbacks...)
	observe := w.observe
	w.mu.Unlock()

	if observe != nil {
		observe(err)
	}
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Config reload failed; keeping previous configuration")
		return
	}
	w.current.Store(cfg)

	for _, fn := range callbacks {
		fn(cfg)
	}
	log.Info().Str("path", w.path).Msg("Configuration reloaded")
}
