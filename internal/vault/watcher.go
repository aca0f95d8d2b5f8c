package vault

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watcherDebounceInterval is how often the watcher flushes pending
// filesystem events, batching rapid writes into a single dirty mark per
// file.
const watcherDebounceInterval = 500 * time.Millisecond

// DirtyMarker receives vault-relative paths that changed on disk. The
// sync engine resolves paths to remote identifiers at the start of each
// pass, so the watcher does not need to know about ids.
type DirtyMarker interface {
	MarkDirtyPath(path string) error
}

// Watcher monitors the vault directory for file changes and records
// them through a DirtyMarker so the next reconciliation pass picks
// them up.
type Watcher struct {
	vault   *Vault
	marker  DirtyMarker
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a file watcher for the given vault.
func NewWatcher(v *Vault, marker DirtyMarker, logger *slog.Logger) *Watcher {
	return &Watcher{
		vault:  v,
		marker: marker,
		logger: logger,
	}
}

// Watch starts watching the vault directory for changes. It blocks
// until the context is cancelled. Directories are watched recursively;
// newly created directories are added as they appear.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	if err := w.addRecursive(w.vault.Dir()); err != nil {
		return fmt.Errorf("watching vault dir: %w", err)
	}

	w.logger.Info("file watcher started", slog.String("dir", w.vault.Dir()))

	// Debounce: batch rapid writes into a single mark per file.
	pending := make(map[string]struct{})

	ticker := time.NewTicker(watcherDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush(pending)
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			w.handleEvent(event, pending)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			w.flush(pending)
		}
	}
}

// handleEvent queues a filesystem event for the next flush. Newly
// created directories are added to the watch set immediately so writes
// inside them are not missed.
func (w *Watcher) handleEvent(event fsnotify.Event, pending map[string]struct{}) {
	rel, err := filepath.Rel(w.vault.Dir(), event.Name)
	if err != nil {
		return
	}

	rel = NormalizePath(rel)
	if rel == "" || rel == "." || isHidden(rel) {
		return
	}

	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("watching new directory",
					slog.String("path", rel),
					slog.String("error", err.Error()),
				)
			}

			return
		}
	}

	if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) ||
		event.Op.Has(fsnotify.Rename) || event.Op.Has(fsnotify.Remove) {
		pending[rel] = struct{}{}
	}
}

// flush marks all pending paths dirty and clears the set.
func (w *Watcher) flush(pending map[string]struct{}) {
	for path := range pending {
		if err := w.marker.MarkDirtyPath(path); err != nil {
			w.logger.Warn("marking path dirty",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			continue
		}

		w.logger.Debug("marked dirty", slog.String("path", path))
		delete(pending, path)
	}
}

// addRecursive watches dir and every non-hidden subdirectory beneath it.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}

		return w.watcher.Add(path)
	})
}
