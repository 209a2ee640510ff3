package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads the config file on change so notification sinks and
// detector thresholds can be adjusted without a restart. Editors often
// write via rename, so the parent directory is watched rather than the
// file itself.
type Watcher struct {
	loader   *fsWatchedLoader
	fsw      *fsnotify.Watcher
	done     chan struct{}
	logger   *slog.Logger
	onChange func()
}

type fsWatchedLoader struct {
	*Loader
	path string
}

// NewWatcher creates a Watcher for the loader's config file. onChange, if
// non-nil, runs after every successful reload.
func NewWatcher(loader *Loader, path string, onChange func(), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		loader:   &fsWatchedLoader{Loader: loader, path: path},
		fsw:      fsw,
		done:     make(chan struct{}),
		logger:   logger.With("component", "config.Watcher"),
		onChange: onChange,
	}, nil
}

// Start begins watching. Returns an error if the config directory cannot
// be watched.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.loader.path)
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go w.run()
	return nil
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) run() {
	// Debounce: editors fire multiple events per save.
	var pending <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.matches(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		case <-pending:
			pending = nil
			if err := w.loader.Reload(); err != nil {
				w.logger.Error("config reload failed, keeping previous config", "error", err)
				continue
			}
			w.logger.Info("config reloaded", "path", w.loader.path)
			if w.onChange != nil {
				w.onChange()
			}
		}
	}
}

func (w *Watcher) matches(name string) bool {
	return strings.EqualFold(filepath.Clean(name), filepath.Clean(w.loader.path))
}
