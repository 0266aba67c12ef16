package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors produce on save.
const reloadDebounce = 200 * time.Millisecond

// Watch reloads the config file whenever it changes and passes each
// successfully loaded Config to onChange. Invalid edits are logged and the
// previous config stays in effect. Watching stops when ctx is done.
//
// The containing directory is watched rather than the file so that editors
// which save by rename are picked up.
func Watch(ctx context.Context, path string, onChange func(*Config), log *slog.Logger) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go watchLoop(ctx, w, abs, onChange, log)
	return nil
}

func watchLoop(ctx context.Context, w *fsnotify.Watcher, path string, onChange func(*Config), log *slog.Logger) {
	defer w.Close()

	// Stopped timer; armed on every relevant event.
	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warn("config watcher error", "error", err)
		case <-timer.C:
			cfg, err := Load(path)
			if err != nil {
				log.Warn("ignoring config change", "path", path, "error", err)
				continue
			}
			log.Info("config reloaded", "path", path)
			onChange(cfg)
		}
	}
}
