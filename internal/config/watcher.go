package config

import (
	"context"
	"path/filepath"
	"time"

	"chatcontext/internal/logging"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// WatchTunables watches the YAML overlay and calls onChange with the reloaded
// tunables after each write. Invalid files are logged and ignored.
// It blocks until ctx is done.
func WatchTunables(ctx context.Context, path string, base Tunables, onChange func(Tunables)) error {
	log := logging.Component("config-watcher")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	// Watch the directory: editors replace files atomically, which drops a file watch.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return err
	}
	filename := filepath.Base(absPath)

	log.WithField("path", absPath).Info("Watching tunables file")

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(reloadDebounce, func() {
				tunables, err := LoadTunablesFile(absPath, base)
				if err != nil {
					log.WithError(err).Warn("Ignoring invalid tunables file")
					return
				}
				log.Info("Tunables reloaded")
				onChange(tunables)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("File watcher error")
		}
	}
}
