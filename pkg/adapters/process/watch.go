package process

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce coalesces the burst of events an editor produces on save.
const DefaultReloadDebounce = 200 * time.Millisecond

// WatchBackends reloads the allow-list of b whenever the file at path changes, until
// ctx is done. The parent directory is watched so that editors replacing the file by
// rename are followed. A file that fails to parse leaves the current allow-list in place;
// a removed file empties it.
func WatchBackends(ctx context.Context, path string, b *Backend, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	reload := func() {
		commands, err := LoadBackends(path)
		if err != nil {
			logger.Warn("Backends reload failed, keeping previous commands", "path", path, "error", err)
			return
		}
		b.Replace(commands)
		logger.Info("Backends reloaded", "path", path, "commands", len(commands))
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || ev.Op == fsnotify.Chmod {
				continue
			}
			debounce = time.After(DefaultReloadDebounce)
		case <-debounce:
			debounce = nil
			reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Backends watcher error", "error", err)
		}
	}
}
