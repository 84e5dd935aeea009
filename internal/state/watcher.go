package state

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watcherDebounce = 200 * time.Millisecond

// SnapshotFileWatcher reloads the store when another process of the same
// application rewrites the shared state file (e.g. a second window). The
// parent directory is watched rather than the file itself, because saves
// replace the file via rename.
type SnapshotFileWatcher struct {
	store   *Store
	path    string
	logger  Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewSnapshotFileWatcher(store *Store, path string, logger Logger) (*SnapshotFileWatcher, error) {
	if store == nil || path == "" {
		return nil, ErrInvalidInput
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	w := &SnapshotFileWatcher{
		store:   store,
		path:    filepath.Clean(path),
		logger:  logger,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *SnapshotFileWatcher) run() {
	var pending *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Coalesce the write+rename burst a single save produces.
			if pending == nil {
				pending = time.NewTimer(watcherDebounce)
				fire = pending.C
			} else {
				if !pending.Stop() {
					<-pending.C
				}
				pending.Reset(watcherDebounce)
			}
		case <-fire:
			pending = nil
			fire = nil
			if err := w.store.ReloadFromBackend(); err != nil && w.logger != nil {
				w.logger.Printf("state reload after external write failed: %v", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Printf("state file watcher error: %v", err)
			}
		case <-w.done:
			return
		}
	}
}

func (w *SnapshotFileWatcher) Close() error {
	if w == nil {
		return nil
	}
	close(w.done)
	return w.watcher.Close()
}
