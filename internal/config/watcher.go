package config

import (
	"context"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeEvent is emitted whenever a watched config or provider file
// changes on disk.
type ChangeEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches the active config file and provider directory for
// changes and notifies subscribers of every fsnotify event. Unlike the
// teacher's polling FileWatcher, this is fsnotify-native. It does not
// coalesce events itself; internal/supervisor (watch.go) debounces them
// before reloading.
type Watcher struct {
	watcher   *fsnotify.Watcher
	logger    *zap.Logger
	mu        sync.Mutex
	callbacks []func(ChangeEvent)
	done      chan struct{}
}

func NewWatcher(logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{watcher: fw, logger: logger, done: make(chan struct{})}, nil
}

// Add registers a path (file or directory) to watch.
func (w *Watcher) Add(path string) error {
	return w.watcher.Add(path)
}

// OnChange registers a callback invoked on every fsnotify event for a
// watched path. Callbacks run on the watcher's dispatch goroutine.
func (w *Watcher) OnChange(cb func(ChangeEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start runs the dispatch loop until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.done:
				return
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.dispatch(ChangeEvent{Path: ev.Name, Op: ev.Op})
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()
}

func (w *Watcher) dispatch(ev ChangeEvent) {
	w.mu.Lock()
	cbs := make([]func(ChangeEvent), len(w.callbacks))
	copy(cbs, w.callbacks)
	w.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// Stop closes the underlying fsnotify watcher and stops dispatching.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}
