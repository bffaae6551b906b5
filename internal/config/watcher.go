package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the config file on change. Editors rewrite files with
// several events in quick succession, so changes are debounced and at
// most one reload fires per window.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	logger     zerolog.Logger
	onReload   func(*Config)
	configPath string
	debounce   time.Duration
	mu         sync.Mutex
	timer      *time.Timer
	stopCh     chan struct{}
}

// NewWatcher creates a watcher for the loader's config file. onReload
// receives a fresh copy on every successful reload.
func NewWatcher(loader *Loader, logger zerolog.Logger, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:    fsw,
		loader:     loader,
		logger:     logger,
		onReload:   onReload,
		configPath: loader.GetConfigPath(),
		debounce:   500 * time.Millisecond,
		stopCh:     make(chan struct{}),
	}

	// Watch the directory: editors replace the file, which would drop a
	// watch on the file itself.
	if err := fsw.Add(filepath.Dir(w.configPath)); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.run()

	return w, nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Config change detected")

				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}

	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Error().Err(err).Msg("Config reload failed, keeping previous config")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Error().Err(err).Msg("Reloaded config invalid, keeping previous config")
		return
	}

	w.logger.Info().Msg("Config reloaded")
	w.onReload(cfg.Clone())
}
