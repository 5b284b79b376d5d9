package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/agentworkforce/statecast/internal/logging"
	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 100 * time.Millisecond

// Watch reloads the config file whenever it changes and hands each valid
// result to onChange. The parent directory is watched so editors that
// replace the file by rename are picked up. Invalid files are logged and
// skipped. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, logger logging.Logger, onChange func(Config)) error {
	logger = logging.OrNop(logger)
	resolved, err := ResolvePath(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(resolved)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(resolved), err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != resolved {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			pending = time.After(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "path", resolved, "err", err)
		case <-pending:
			pending = nil
			cfg, err := Load(resolved)
			if err != nil {
				logger.Warn("ignoring invalid config change", "path", resolved, "err", err)
				continue
			}
			logger.Info("config reloaded", "path", resolved)
			onChange(cfg)
		}
	}
}
