package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches a configuration file and invokes a callback, debounced,
// whenever it is rewritten. It watches the parent directory so atomic
// rename-based saves are seen.
type Watcher struct {
	logger  *zap.Logger
	path    string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	onChange func()
	running  bool
	done     chan struct{}

	// Debouncing
	debounce time.Duration
	timer    *time.Timer
}

// NewWatcher creates a new configuration watcher
func NewWatcher(logger *zap.Logger, configPath string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		logger:   logger.Named("config_watcher"),
		path:     filepath.Clean(configPath),
		watcher:  fw,
		debounce: 500 * time.Millisecond,
	}, nil
}

// SetDebounce sets the debounce period for configuration changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start begins watching and calls onChange after each settled rewrite
func (w *Watcher) Start(onChange func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	w.onChange = onChange
	w.running = true
	w.done = make(chan struct{})

	go w.handleEvents(w.done)

	w.logger.Info("Configuration watcher started", zap.String("path", w.path))
	return nil
}

// Stop stops the watcher. Pending debounced callbacks are cancelled.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	if w.timer != nil {
		w.timer.Stop()
	}
	done := w.done
	w.mu.Unlock()

	w.watcher.Close()
	<-done

	w.logger.Info("Configuration watcher stopped")
}

func (w *Watcher) handleEvents(done chan struct{}) {
	defer close(done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("Config file changed",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()),
			)
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		cb := w.onChange
		running := w.running
		w.mu.Unlock()

		if running && cb != nil {
			w.logger.Info("Configuration changed", zap.String("path", w.path))
			cb()
		}
	})
}
