package bundle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher loads archives dropped into a directory
type Watcher struct {
	loader  *Loader
	dir     string
	watcher *fsnotify.Watcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher watches dir, creating it when missing
func NewWatcher(loader *Loader, dir string) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create drop directory: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &Watcher{loader: loader, dir: dir, watcher: fw}, nil
}

// Start loads archives already present and then follows the directory
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.scan(ctx)

	w.wg.Add(1)
	go w.run(ctx)
}

// Stop ends the watch loop
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	_ = w.watcher.Close()
	w.wg.Wait()
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			name := event.Name
			// a late signature retries its archive
			name = strings.TrimSuffix(name, ".sig")
			if isArchive(name) {
				w.loadOne(ctx, name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.loader.logger.Error().Err(err).Str("dir", w.dir).Msg("Bundle watcher error")
		}
	}
}

func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.loader.logger.Error().Err(err).Str("dir", w.dir).Msg("Failed to scan drop directory")
		return
	}
	for _, e := range entries {
		if !e.IsDir() && isArchive(e.Name()) {
			w.loadOne(ctx, filepath.Join(w.dir, e.Name()))
		}
	}
}

func (w *Watcher) loadOne(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	b, err := w.loader.LoadFile(ctx, path)
	switch {
	case err == nil:
		w.loader.logger.Info().Str("file", path).Uint64("bundle_id", b.ID).Msg("Loaded dropped bundle")
	case errors.Is(err, ErrAlreadyLoaded):
		w.loader.logger.Debug().Str("file", path).Msg("Dropped bundle already loaded")
	default:
		w.loader.logger.Warn().Err(err).Str("file", path).Msg("Failed to load dropped bundle")
	}
}

func isArchive(name string) bool {
	return strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz")
}
