package metacache

import (
	"testing"
	"time"

	"github.com/canopy-pm/canopy/internal/registry"
)

func TestFileCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileCache(dir, time.Hour)
	if err != nil {
		t.Fatalf("NewFileCache: %v", err)
	}
	doc := &registry.AbbreviatedDocument{Name: "left-pad", DistTags: map[string]string{"latest": "1.0.0"}}
	c.Set("left-pad", doc)

	got, ok := c.Get("left-pad")
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if got.Name != "left-pad" {
		t.Fatalf("unexpected round-tripped doc: %+v", got)
	}
}

func TestFileCacheMissWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileCache(dir, time.Hour)
	if err != nil {
		t.Fatalf("NewFileCache: %v", err)
	}
	if _, ok := c.Get("never-cached"); ok {
		t.Fatalf("expected cache miss for a name never Set")
	}
}

func TestFileCacheExpiresByTTL(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileCache(dir, time.Nanosecond)
	if err != nil {
		t.Fatalf("NewFileCache: %v", err)
	}
	c.Set("left-pad", &registry.AbbreviatedDocument{Name: "left-pad"})
	time.Sleep(time.Millisecond)
	if _, ok := c.Get("left-pad"); ok {
		t.Fatalf("expected expired entry to be a cache miss")
	}
}

func TestFileCacheScopedNamePath(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileCache(dir, 0)
	if err != nil {
		t.Fatalf("NewFileCache: %v", err)
	}
	c.Set("@scope/pkg", &registry.AbbreviatedDocument{Name: "@scope/pkg"})
	got, ok := c.Get("@scope/pkg")
	if !ok || got.Name != "@scope/pkg" {
		t.Fatalf("expected scoped package name to round-trip, got %+v ok=%v", got, ok)
	}
}
