package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the configuration file whenever it changes and passes the
// freshly validated Config to onChange. Invalid edits are reported through
// onError and the previous configuration stays in effect.
//
// The parent directory is watched rather than the file itself so editors
// that replace the file via rename are still observed.
//
// Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(*Config), onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close() //nolint:errcheck // Best effort on shutdown

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching config directory: %w", err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, loadErr := Load(path)
			if loadErr != nil {
				if onError != nil {
					onError(loadErr)
				}
				continue
			}
			onChange(cfg)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if onError != nil {
				onError(werr)
			}
		}
	}
}
