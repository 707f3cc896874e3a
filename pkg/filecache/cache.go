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

// Package filecache memoizes parsed representations of large documents,
// keyed by path and validated by modification time. There is no TTL: an
// entry stays valid exactly as long as the file's mtime is unchanged.
package filecache

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ParseFunc parses the file at path into its cached representation.
type ParseFunc func(path string) (interface{}, error)

// CacheError wraps a stat or parse failure. The cache is left untouched.
type CacheError struct {
	Path string
	Err  error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("filecache: %s: %v", e.Path, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// entry is one cached parse result with the file identity it was built from.
type entry struct {
	value   interface{}
	modTime time.Time
	size    int64
}

// Cache is a concurrency-safe mtime-validated parse cache.
//
// A check-then-act race between two concurrent loads of the same path is
// benign: the worst case is a redundant parse, never corruption, because the
// store step replaces the map entry atomically under the lock.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *zap.Logger

	// Metrics
	hits    uint64
	misses  uint64
	reloads uint64
}

// New creates an empty file cache.
func New(logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// GetOrLoad returns the cached parse of path if the file is unchanged
// (matching mtime and size); otherwise it parses, stores, and returns the
// fresh value. On parse failure the cache is left untouched and the error
// propagates wrapped in a CacheError.
func (c *Cache) GetOrLoad(path string, parse ParseFunc) (interface{}, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &CacheError{Path: path, Err: err}
	}

	c.mu.RLock()
	e, found := c.entries[path]
	c.mu.RUnlock()

	if found && e.modTime.Equal(info.ModTime()) && e.size == info.Size() {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return e.value, nil
	}

	c.mu.Lock()
	c.misses++
	if found {
		c.reloads++
	}
	c.mu.Unlock()

	// Parse outside the lock; a concurrent load of the same path costs a
	// redundant parse at worst.
	value, err := parse(path)
	if err != nil {
		return nil, &CacheError{Path: path, Err: err}
	}

	c.mu.Lock()
	c.entries[path] = &entry{
		value:   value,
		modTime: info.ModTime(),
		size:    info.Size(),
	}
	c.mu.Unlock()

	return value, nil
}

// Invalidate removes the cached entry for path.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}

// InvalidateAll clears the entire cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns cache hit/miss/reload counters.
func (c *Cache) Stats() (hits, misses, reloads uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, c.reloads
}
