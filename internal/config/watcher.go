package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler receives the freshly reloaded configuration.
type ChangeHandler func(cfg *Config)

// Watcher hot-reloads the config file and notifies registered handlers.
// Only handlers decide what is safe to apply at runtime; the watcher itself
// never mutates running components.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu       sync.Mutex
	handlers []ChangeHandler
	stopCh   chan struct{}
	started  bool

	// Editors often fire several write events per save; reloads within
	// the debounce window collapse into one.
	debounce time.Duration
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		watcher:  fw,
		logger:   logger,
		stopCh:   make(chan struct{}),
		debounce: 500 * time.Millisecond,
	}, nil
}

// OnChange registers a handler invoked after each successful reload.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	w.handlers = append(w.handlers, h)
	w.mu.Unlock()
}

// Start begins watching. Watching the parent directory instead of the file
// survives the rename-then-create pattern most editors and config mounts use.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.loop()

	w.logger.Info("Config watcher started", zap.String("path", w.path))
	return nil
}

func (w *Watcher) loop() {
	var timer *time.Timer
	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
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
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		// The previous config stays in effect.
		w.logger.Error("Config reload failed, keeping current config",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}

	w.mu.Lock()
	handlers := make([]ChangeHandler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	for _, h := range handlers {
		h(cfg)
	}
	w.logger.Info("Config reloaded", zap.String("path", w.path))
}

// Stop halts the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return nil
	}
	w.started = false
	close(w.stopCh)
	return w.watcher.Close()
}
