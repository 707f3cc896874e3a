// Copyright 2026 Engram Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package filecache

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher invalidates cache entries proactively when the underlying files
// change, instead of waiting for the next GetOrLoad stat to notice. The
// mtime check in GetOrLoad remains the source of truth; the watcher is an
// optimization that keeps long-idle entries from holding stale parses.
type Watcher struct {
	cache   *Cache
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	stopMu  sync.Mutex
	stopped bool
}

// NewWatcher starts a file watcher bound to the cache. Call Watch to add
// paths and Close during shutdown.
func NewWatcher(cache *Cache, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		cache:   cache,
		watcher: fw,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Watch adds a path to the watch set.
func (w *Watcher) Watch(path string) error {
	if err := w.watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	return nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.cache.Invalidate(event.Name)
				w.logger.Debug("invalidated cache entry on file event",
					zap.String("path", event.Name),
					zap.String("op", event.Op.String()))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	w.stopMu.Lock()
	defer w.stopMu.Unlock()
	if w.stopped {
		return nil
	}
	w.stopped = true

	close(w.stopCh)
	err := w.watcher.Close()
	<-w.doneCh
	return err
}
