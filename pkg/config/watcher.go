package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/compozy/flow/pkg/logger"
)

// Watcher reports writes to configuration files.
type Watcher struct {
	watcher   *fsnotify.Watcher
	log       logger.Logger
	callbacks []func()
	mu        sync.RWMutex
	// watched maps absolute paths to the context that keeps them watched.
	watched   map[string]context.Context
	stopCh    chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

func NewWatcher(ctx context.Context) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		watcher: fsWatcher,
		log:     logger.FromContext(ctx),
		watched: make(map[string]context.Context),
		stopCh:  make(chan struct{}),
	}, nil
}

// Watch starts watching path until ctx ends. The parent directory is
// watched so editors that replace the file are still noticed.
func (w *Watcher) Watch(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if err := w.watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("failed to watch file: %w", err)
	}
	w.mu.Lock()
	w.watched[absPath] = ctx
	w.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
		case <-w.stopCh:
		}
		w.mu.Lock()
		delete(w.watched, absPath)
		w.mu.Unlock()
	}()
	w.startOnce.Do(func() {
		go w.handleEvents()
	})
	return nil
}

func (w *Watcher) OnChange(callback func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

func (w *Watcher) handleEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.mu.RLock()
			pathCtx, watched := w.watched[filepath.Clean(event.Name)]
			w.mu.RUnlock()
			if !watched || pathCtx.Err() != nil {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.notifyCallbacks()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("Configuration watcher error", "error", err)
		}
	}
}

func (w *Watcher) notifyCallbacks() {
	w.mu.RLock()
	callbacks := make([]func(), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()
	for _, callback := range callbacks {
		if callback != nil {
			callback()
		}
	}
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	var closeErr error
	w.closeOnce.Do(func() {
		close(w.stopCh)
		if err := w.watcher.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close watcher: %w", err)
		}
	})
	return closeErr
}
