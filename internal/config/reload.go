package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Reloader watches the config and alias files and invokes a callback after
// writes settle.
type Reloader struct {
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	onChange func()
	paths    []string
}

// NewReloader creates a file watcher for the given paths. Missing paths are
// skipped so a config without an alias file still works.
func NewReloader(paths []string, logger *zap.Logger, onChange func()) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var watched []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := watcher.Add(p); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %q: %w", p, err)
		}
		watched = append(watched, p)
	}

	return &Reloader{
		watcher:  watcher,
		logger:   logger.Named("reload"),
		onChange: onChange,
		paths:    watched,
	}, nil
}

// Paths returns the files actually under watch.
func (r *Reloader) Paths() []string { return r.paths }

// Run blocks until ctx is cancelled, firing onChange 500ms after the last
// write to any watched file.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					r.logger.Info("config change detected", zap.String("file", event.Name))
					r.onChange()
				})
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}
