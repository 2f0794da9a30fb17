package plugins

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events an atomic rename emits.
const watchDebounce = 250 * time.Millisecond

// Watch reloads the policy's allowlist whenever the file at path
// changes. The parent directory is watched because Save replaces the
// file by rename, which drops a watch on the file itself. Watch blocks
// until ctx is cancelled.
func Watch(ctx context.Context, path string, policy *Policy, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	reload := func() {
		list, err := LoadAllowlist(path)
		if err != nil {
			logger.Error("allowlist reload failed", "path", path, "error", err)
			return
		}
		policy.Reload(list)
		logger.Info("allowlist reloaded",
			"path", path,
			"modules", len(list.Modules),
			"entry_points", len(list.EntryPoints))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case <-timerC:
			timerC = nil
			timer = nil
			reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("allowlist watch error", "error", err)
		}
	}
}
