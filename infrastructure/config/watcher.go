package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDelay = 100 * time.Millisecond

// Watcher reloads the YAML config file when it changes and hands the new
// configuration to listeners. Only live tunables are expected to be applied
// by listeners; everything else takes effect on restart.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	stopOnce sync.Once
	stopCh   chan struct{}

	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
}

// NewWatcher watches path; current is the configuration already in use
func NewWatcher(path string, current *Config, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// The directory catches editors that save by rename.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &Watcher{
		path:    path,
		watcher: fw,
		logger:  logger,
		stopCh:  make(chan struct{}),
		current: current,
	}, nil
}

// OnChange registers a callback for configuration changes
func (w *Watcher) OnChange(handler func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, handler)
}

// Current returns the last valid configuration
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching for configuration changes
func (w *Watcher) Start() {
	go w.watchLoop()
	w.logger.Info("Configuration watcher started", zap.String("path", w.path))
}

// Stop stops watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
		w.logger.Info("Configuration watcher stopped")
	})
}

func (w *Watcher) watchLoop() {
	var reload *time.Timer
	defer func() {
		if reload != nil {
			reload.Stop()
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if reload != nil {
				reload.Stop()
			}
			reload = time.AfterFunc(reloadDelay, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	select {
	case <-w.stopCh:
		return
	default:
	}

	next := Defaults()
	next.ConfigFile = w.path
	if err := next.overlayFile(w.path); err != nil {
		w.logger.Error("Failed to reload configuration", zap.Error(err))
		return
	}
	next.applyEnv()
	if err := next.Validate(); err != nil {
		w.logger.Error("Invalid configuration, keeping current", zap.Error(err))
		return
	}

	w.mu.Lock()
	previous := w.current
	w.current = next
	handlers := append(([]func(*Config))(nil), w.onChange...)
	w.mu.Unlock()

	if previous != nil && previous.Collab.PresenceTTL != next.Collab.PresenceTTL {
		w.logger.Info("Presence TTL changed",
			zap.Duration("from", previous.Collab.PresenceTTL),
			zap.Duration("to", next.Collab.PresenceTTL),
		)
	}
	for _, handler := range handlers {
		handler(next)
	}
}
