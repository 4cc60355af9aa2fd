package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Loader loads a configuration file and reloads it when it changes on disk.
type Loader struct {
	path     string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	current  *Config
	mu       sync.RWMutex
	onChange func(*Config)
	debounce time.Duration
	close    chan struct{}
	once     sync.Once
}

// NewLoader creates a loader for path.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Loader{
		path:     absPath,
		logger:   logger,
		debounce: 100 * time.Millisecond,
		close:    make(chan struct{}),
	}, nil
}

// Load reads and validates the file. The current configuration is only
// replaced on success.
func (l *Loader) Load() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()

	return cfg, nil
}

// Watch starts monitoring the file and calls onChange with every valid new
// configuration. An invalid change is logged and the previous configuration
// retained.
func (l *Loader) Watch(onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors replace files by rename, so the directory is watched.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.onChange = onChange
	l.mu.Unlock()

	go l.watchLoop(watcher)
	return nil
}

func (l *Loader) watchLoop(watcher *fsnotify.Watcher) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-l.close:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != l.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.debounce, l.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("config watcher error", "error", err)
		}
	}
}

func (l *Loader) reload() {
	cfg, err := l.Load()
	if err != nil {
		l.logger.Error("config reload failed, keeping previous configuration", "path", l.path, "error", err)
		return
	}
	l.logger.Info("config reloaded", "path", l.path)

	l.mu.RLock()
	onChange := l.onChange
	l.mu.RUnlock()
	if onChange != nil {
		onChange(cfg)
	}
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Close stops the watcher.
func (l *Loader) Close() error {
	var err error
	l.once.Do(func() {
		close(l.close)
		l.mu.RLock()
		w := l.watcher
		l.mu.RUnlock()
		if w != nil {
			err = w.Close()
		}
	})
	return err
}
