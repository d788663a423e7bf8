package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kgofron/ADTimePix3/pkg/utils"
)

// watchDebounce coalesces the burst of events an editor or atomic rename
// produces when the config file is saved.
const watchDebounce = 500 * time.Millisecond

// Watch blocks watching one configuration file and invokes onChange after
// each settled change. The parent directory is watched rather than the file
// itself, so editors that replace the file (write to temp, rename over) are
// still seen. Returns when ctx is canceled or the watcher fails.
func Watch(ctx context.Context, path string, logger *utils.StructuredLogger, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	filename := filepath.Base(abs)

	if err := watcher.Add(dir); err != nil {
		return err
	}

	log := logger.WithComponent("config")
	log.Info("Watching configuration file", map[string]interface{}{
		"path": abs,
	})

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				log.Info("Configuration file changed", map[string]interface{}{
					"path": abs,
				})
				onChange()
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Configuration watcher error", map[string]interface{}{
				"error": err.Error(),
			})

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
