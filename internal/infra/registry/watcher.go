package registry

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultWatchDebounce = 300 * time.Millisecond

// Watcher invalidates the client's snapshot when the local override file
// changes, so the next fetch re-reads it instead of serving a pinned copy.
type Watcher struct {
	client *Client
	path   string
	logger *zap.Logger
}

// NewWatcher creates a watcher for the client's local override file.
func NewWatcher(client *Client, path string, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		client: client,
		path:   path,
		logger: logger.Named("registry-watcher"),
	}
}

// Run watches until the context is canceled. Events are debounced so an
// editor's write-rename dance triggers a single invalidation.
func (w *Watcher) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("registry watcher failed", zap.Error(err))
		return
	}
	defer watcher.Close()

	// Watch the parent directory: the file itself may not exist yet, and
	// atomic replaces swap the inode out from under a file-level watch.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("registry watcher add failed", zap.String("path", w.path), zap.Error(err))
		return
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-watcher.Errors:
			if err != nil {
				w.logger.Warn("registry watcher error", zap.Error(err))
			}
		case event := <-watcher.Events:
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(defaultWatchDebounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(defaultWatchDebounce)
		case <-timerChan(timer):
			timer = nil
			w.logger.Info("local registry changed, invalidating snapshot", zap.String("path", w.path))
			w.client.Invalidate()
		}
	}
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
