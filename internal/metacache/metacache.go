// Package metacache implements the on-disk and shared-backend metadata
// caches that sit in front of registry network lookups, per spec.md 4.3: a
// TTL-gated cache so --prefer-offline installs and repeated resolutions
// within a TTL window never hit the network.
package metacache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/a-h/kv"

	"github.com/canopy-pm/canopy/internal/registry"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

type entry struct {
	Doc      *registry.AbbreviatedDocument `json:"doc"`
	CachedAt time.Time                     `json:"cachedAt"`
}

func (e entry) expired(ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return time.Since(e.CachedAt) > ttl
}

// FileCache is a per-machine on-disk metadata cache: one JSON file per
// package name under a cache directory, gated by a fixed TTL.
type FileCache struct {
	dir string
	ttl time.Duration
}

// NewFileCache roots a FileCache at dir, creating it if necessary. A
// non-positive ttl means entries never expire by age (only explicit
// invalidation removes them).
func NewFileCache(dir string, ttl time.Duration) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("metacache: mkdir %s: %w", dir, err)
	}
	return &FileCache{dir: dir, ttl: ttl}, nil
}

func (c *FileCache) path(name string) string {
	return filepath.Join(c.dir, unsafeNameChars.ReplaceAllString(name, "+")+".json")
}

// Get returns the cached document for name, if present and not expired.
func (c *FileCache) Get(name string) (*registry.AbbreviatedDocument, bool) {
	data, err := os.ReadFile(c.path(name))
	if err != nil {
		return nil, false
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false
	}
	if e.expired(c.ttl) {
		return nil, false
	}
	return e.Doc, true
}

// Set writes doc to the cache, stamped with the current time, via a
// temp-file-plus-rename so a concurrent Get never observes a partial write.
func (c *FileCache) Set(name string, doc *registry.AbbreviatedDocument) {
	data, err := json.Marshal(entry{Doc: doc, CachedAt: time.Now()})
	if err != nil {
		return
	}
	target := c.path(name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	os.Rename(tmp, target)
}

// KVCache is the shared-backend counterpart to FileCache, for deployments
// that run several install workers against one database (sqlite, rqlite, or
// postgres, via github.com/a-h/kv) instead of a per-machine disk cache.
type KVCache struct {
	store kv.Store
	ttl   time.Duration
}

// NewKVCache wraps an already-initialized kv.Store as a metadata cache.
func NewKVCache(store kv.Store, ttl time.Duration) *KVCache {
	return &KVCache{store: store, ttl: ttl}
}

func kvKey(name string) string {
	return "metacache/" + unsafeNameChars.ReplaceAllString(name, "+")
}

func (c *KVCache) Get(name string) (*registry.AbbreviatedDocument, bool) {
	var e entry
	_, ok, err := c.store.Get(context.Background(), kvKey(name), &e)
	if err != nil || !ok {
		return nil, false
	}
	if e.expired(c.ttl) {
		return nil, false
	}
	return e.Doc, true
}

func (c *KVCache) Set(name string, doc *registry.AbbreviatedDocument) {
	e := entry{Doc: doc, CachedAt: time.Now()}
	_ = c.store.Put(context.Background(), kvKey(name), -1, e)
}
