package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pilot/internal/permission"
	"pilot/pkg/logger"
)

const debounceDelay = 100 * time.Millisecond

// PolicyWatcher hot-reloads the permission policy document when the file
// changes on disk. Sessions keep their Document pointer; Replace swaps the
// contents underneath them.
type PolicyWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	doc     *permission.Document

	mu      sync.Mutex
	pending *time.Timer
	stopCh  chan struct{}
}

// NewPolicyWatcher watches path and reloads doc on change. The parent
// directory is watched so editors that replace the file atomically are
// still caught.
func NewPolicyWatcher(path string, doc *permission.Document) (*PolicyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	return &PolicyWatcher{
		watcher: w,
		path:    path,
		doc:     doc,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *PolicyWatcher) Start() {
	go w.run()
}

func (w *PolicyWatcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("policy watcher error")
		}
	}
}

// scheduleReload debounces bursts of write events into one reload.
func (w *PolicyWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(debounceDelay, w.reload)
}

func (w *PolicyWatcher) reload() {
	next, err := permission.LoadDocument(w.path)
	if err != nil {
		logger.Warn().Err(err).Str("path", w.path).Msg("policy document reload failed, keeping previous")
		return
	}
	w.doc.Replace(next)
	logger.Info().Str("path", w.path).Int("denied_tools", len(next.DeniedTools)).Msg("policy document reloaded")
}

// Stop stops the watcher.
func (w *PolicyWatcher) Stop() {
	close(w.stopCh)
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	w.watcher.Close()
}
