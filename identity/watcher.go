package identity

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reestablishes certificate material when its files are removed or
// renamed while the process runs.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	paths   map[string]struct{}

	closeOnce sync.Once
}

// NewWatcher watches the directories holding the store's certificate and key.
func NewWatcher(store *Store) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	paths := map[string]struct{}{
		filepath.Clean(store.cfg.CertificatePath): {},
		filepath.Clean(store.cfg.PrivateKeyPath):  {},
	}
	dirs := make(map[string]struct{})
	for path := range paths {
		dirs[filepath.Dir(path)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %q: %w", dir, err)
		}
	}

	return &Watcher{store: store, watcher: watcher, paths: paths}, nil
}

// Run handles file events until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if _, tracked := w.paths[filepath.Clean(event.Name)]; !tracked {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			log.Infow("certificate material changed on disk", "path", event.Name, "op", event.Op.String())
			w.store.Invalidate()
			if _, err := w.store.EnsureCertificate(ctx); err != nil {
				log.Errorw("reestablish certificate failed", "err", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnw("certificate watcher error", "err", err)
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
	})
	return err
}
