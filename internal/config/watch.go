package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 500 * time.Millisecond

// Watch reloads the config file whenever it changes and hands each valid
// result to apply. Invalid files are logged and ignored; the previous
// configuration stays in effect. Watch blocks until ctx is done.
//
// The parent directory is watched rather than the file itself so that
// atomic rename-on-save keeps working.
func Watch(ctx context.Context, path string, logger *zap.Logger, apply func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			logger.Warn("failed to close config watcher", zap.Error(err))
		}
	}()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("config watcher closed")
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			debounce = time.After(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("config watcher closed")
			}
			logger.Warn("config watcher error", zap.Error(err))

		case <-debounce:
			debounce = nil
			cfg, err := Load(abs)
			if err != nil {
				logger.Warn("ignoring invalid config reload", zap.String("path", abs), zap.Error(err))
				continue
			}
			logger.Info("config reloaded", zap.String("path", abs))
			apply(cfg)
		}
	}
}
