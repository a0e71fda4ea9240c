package image

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watchDebounce collapses the burst of events an editor save produces.
const watchDebounce = 250 * time.Millisecond

// Watch marks the image stale whenever a file in the build context
// directory is created, written, removed or renamed, so the next session
// rebuilds it. Only the top level of dir is watched. It returns once the
// watcher is running; watching stops when ctx ends.
func (g *Gate) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create build context watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch build context %s: %w", dir, err)
	}

	g.logger.Info("watching sandbox build context", zap.String("dir", dir))
	go g.watch(ctx, watcher)
	return nil
}

func (g *Gate) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ignoredChange(ev.Name) {
				continue
			}
			g.logger.Debug("build context changed", zap.String("file", ev.Name), zap.String("op", ev.Op.String()))
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, g.MarkStale)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			g.logger.Warn("build context watcher error", zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}

// ignoredChange reports editor scratch files that never reach a build.
func ignoredChange(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".#") ||
		strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, ".swx")
}
