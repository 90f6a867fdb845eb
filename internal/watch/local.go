// Package watch notifies callers when the shared project document changes,
// either on the local filesystem or on a remote host.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"fieldexec/internal/logger"
	"fieldexec/internal/projects"
)

// LocalWatcher observes the local base directory and fires the callback when
// the shared document or its event log is written. Events for any other file
// in the directory are ignored.
type LocalWatcher struct {
	dir      string
	onChange func()

	watcher    *fsnotify.Watcher
	cancelOnce sync.Once
}

func NewLocalWatcher(dir string, onChange func()) *LocalWatcher {
	return &LocalWatcher{
		dir:      dir,
		onChange: onChange,
	}
}

// Start creates the base directory if needed, registers the filesystem watch
// and begins delivering callbacks. Callbacks run on the watcher goroutine.
func (w *LocalWatcher) Start() error {
	if err := os.MkdirAll(w.dir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", w.dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	w.watcher = watcher
	go w.run()
	return nil
}

func (w *LocalWatcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.onChange()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Local projects watcher error: %v", err)
		}
	}
}

// relevant keeps writes, creations and renames of exactly the two shared
// files. The document is installed via rename, so creations matter as much
// as writes.
func (w *LocalWatcher) relevant(event fsnotify.Event) bool {
	name := filepath.Base(event.Name)
	if name != projects.DocumentFileName && name != projects.EventsFileName {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

// Cancel stops the watch. Safe to call more than once and before Start.
func (w *LocalWatcher) Cancel() {
	w.cancelOnce.Do(func() {
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}
