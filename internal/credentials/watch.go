package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the file whenever it is written, created or renamed into
// place and passes the result to onChange. Loads that fail are logged and
// skipped. It blocks until ctx is cancelled.
func (s FileSource) Watch(ctx context.Context, onChange func(Credentials)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and token writers usually replace the
	// file, which drops a watch placed on the file itself.
	dir := filepath.Dir(s.Path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	logger := slog.Default().With("component", "credentials")
	target := filepath.Clean(s.Path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			c, err := s.Load(ctx)
			if err != nil {
				logger.Warn("credentials reload failed", "path", s.Path, "error", err)
				continue
			}
			onChange(c)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("credentials watcher error", "error", err)
		}
	}
}
