package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 100 * time.Millisecond

// Watch reloads the config at path whenever it changes on disk and passes
// the result to onChange. Edits that fail to parse or validate are logged
// and skipped. Watching stops when ctx is done.
func Watch(ctx context.Context, path string, log zerolog.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("unable to start config watcher: %w", err)
	}

	// Watch the directory: many editors replace the file instead of writing it.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("unable to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		runWatcher(ctx, watcher, filepath.Clean(path), log, onChange)
	}()
	return nil
}

func runWatcher(ctx context.Context, watcher *fsnotify.Watcher, path string, log zerolog.Logger, onChange func(*Config)) {
	var chanReload <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case <-chanReload:
			chanReload = nil
			cfg, err := LoadFrom(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Ignoring config change")
				continue
			}
			log.Info().Str("path", path).Msg("Reloaded config")
			onChange(cfg)

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			log.Debug().Stringer("event", event).Msg("Config file event")
			chanReload = time.After(reloadDelay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}
