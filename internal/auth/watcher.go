package auth

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"doctrace/internal/logging"
)

// Watcher reloads the Manager's credentials when another process rewrites
// the credentials file (for example a second dashboard tab or a CLI login
// on the same machine). Without it a stale in-memory token would force an
// unnecessary refresh round-trip.
type Watcher struct {
	watcher *fsnotify.Watcher
	manager *Manager
	path    string
	done    chan struct{}
}

// NewWatcher creates a watcher for the credentials file at path.
func NewWatcher(m *Manager, path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory: atomic rename-into-place does not fire events
	// on a watch of the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		watcher: fw,
		manager: m,
		path:    path,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logging.AuthDebug("credentials file changed externally (%s)", event.Op)
			if err := w.manager.ReloadFromStore(); err != nil {
				logging.Get(logging.CategoryAuth).Warn("reload after external change: %v", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryAuth).Warn("credential watcher error: %v", err)
		}
	}
}

// Close stops watching and waits for the event loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
