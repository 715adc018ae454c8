package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"leadbot/src/model"
)

const reloadDebounce = 100 * time.Millisecond

// Watcher serves the current content and reloads it when the file changes.
// A file that fails to load leaves the previous content active.
type Watcher struct {
	path    string
	current atomic.Pointer[model.Content]
	reloads atomic.Int64
	logger  zerolog.Logger
}

// NewWatcher loads path once; the first load must succeed
func NewWatcher(path string, logger zerolog.Logger) (*Watcher, error) {
	content, err := LoadContent(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, logger: logger}
	w.current.Store(&content)
	return w, nil
}

// Content returns the active prompts and messages
func (w *Watcher) Content() model.Content {
	return *w.current.Load()
}

// Reloads counts successful reloads
func (w *Watcher) Reloads() int64 {
	return w.reloads.Load()
}

// Reload re-reads the file and swaps the active content
func (w *Watcher) Reload() error {
	content, err := LoadContent(w.path)
	if err != nil {
		return err
	}
	w.current.Store(&content)
	w.reloads.Add(1)
	w.logger.Info().Str("path", w.path).Msg("Content reloaded")
	return nil
}

// Run watches the file's directory until ctx is done. Editors often replace
// files by rename, so the directory is watched rather than the file.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("fsnotify: failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)

	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(reloadDebounce)
		case <-debounce.C:
			if err := w.Reload(); err != nil {
				w.logger.Warn().Err(err).Str("path", w.path).Msg("Content reload failed, keeping previous version")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("fsnotify: watcher error")
		}
	}
}
