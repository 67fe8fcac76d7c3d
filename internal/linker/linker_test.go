package linker

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/canopy-pm/canopy/internal/resolver"
	"github.com/canopy-pm/canopy/internal/store"
	"github.com/canopy-pm/canopy/internal/version"
)

func tarballWithFile(t *testing.T, name, content string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	entries := map[string]string{
		"package.json": `{"name":"` + name + `"}`,
		"index.js":     content,
	}
	for path, body := range entries {
		if err := tw.WriteHeader(&tar.Header{Name: "package/" + path, Mode: 0o644, Size: int64(len(body))}); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	tw.Close()
	gz.Close()
	return &buf
}

func seedStore(t *testing.T, st *store.Store, name, ver string) *resolver.ResolvedPackage {
	t.Helper()
	v, err := version.Parse(ver)
	if err != nil {
		t.Fatalf("Parse version: %v", err)
	}
	pkg := &resolver.ResolvedPackage{Name: name, Version: v}
	key := store.Key(name, ver, "")
	if err := st.Extract(key, tarballWithFile(t, name, ver)); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	return pkg
}

func TestLinkHoistsSingleVersion(t *testing.T) {
	storeDir := t.TempDir()
	st, err := store.New(storeDir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	projectDir := t.TempDir()

	pkg := seedStore(t, st, "left-pad", "1.0.0")
	flat := map[string]*resolver.ResolvedPackage{"left-pad@1.0.0": pkg}

	l := New(st, projectDir, nil)
	result, err := l.Link(context.Background(), flat, nil, nil)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if result.Linked != 1 {
		t.Fatalf("expected 1 linked package, got %d", result.Linked)
	}
	if _, err := os.Stat(filepath.Join(projectDir, "modules", "left-pad", "package.json")); err != nil {
		t.Fatalf("expected left-pad hoisted at modules/left-pad: %v", err)
	}
	if _, err := os.Stat(filepath.Join(projectDir, "modules", ".marker")); err != nil {
		t.Fatalf("expected marker file: %v", err)
	}
}

func TestLinkNestsVersionConflict(t *testing.T) {
	storeDir := t.TempDir()
	st, err := store.New(storeDir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	projectDir := t.TempDir()

	low := seedStore(t, st, "dep", "1.0.0")
	high := seedStore(t, st, "dep", "2.0.0")
	flat := map[string]*resolver.ResolvedPackage{
		"dep@1.0.0": low,
		"dep@2.0.0": high,
	}
	edges := []Edge{
		{Parent: "", Name: "dep", Version: "2.0.0"},
		{Parent: "other", Name: "dep", Version: "1.0.0"},
	}
	directHints := map[string]string{"dep": "2.0.0"}

	l := New(st, projectDir, nil)
	if _, err := l.Link(context.Background(), flat, edges, directHints); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, err := os.Stat(filepath.Join(projectDir, "modules", "dep", "package.json")); err != nil {
		t.Fatalf("expected hoisted 2.0.0 at modules/dep: %v", err)
	}
	if _, err := os.Stat(filepath.Join(projectDir, "modules", "other", "modules", "dep", "package.json")); err != nil {
		t.Fatalf("expected nested 1.0.0 under modules/other/modules/dep: %v", err)
	}
}

func TestChooseHoistedPicksGreatestRequiringParentCount(t *testing.T) {
	flat := map[string]*resolver.ResolvedPackage{
		"dep@1.0.0": {Name: "dep", Version: mustParseVersion(t, "1.0.0")},
		"dep@2.0.0": {Name: "dep", Version: mustParseVersion(t, "2.0.0")},
	}
	// Three parents require 1.0.0 and only one requires 2.0.0, so 1.0.0 has
	// the greater multiplicity.
	edges := []Edge{
		{Parent: "a", Name: "dep", Version: "1.0.0"},
		{Parent: "b", Name: "dep", Version: "1.0.0"},
		{Parent: "c", Name: "dep", Version: "1.0.0"},
		{Parent: "d", Name: "dep", Version: "2.0.0"},
	}
	hoisted := chooseHoisted(flat, edges, nil)
	if hoisted["dep"] != "1.0.0" {
		t.Fatalf("expected 1.0.0 hoisted by requiring-parent multiplicity, got %q", hoisted["dep"])
	}
}

func mustParseVersion(t *testing.T, s string) version.Version {
	t.Helper()
	v, err := version.Parse(s)
	if err != nil {
		t.Fatalf("version.Parse(%q): %v", s, err)
	}
	return v
}

func TestLinkIdempotent(t *testing.T) {
	storeDir := t.TempDir()
	st, err := store.New(storeDir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	projectDir := t.TempDir()
	pkg := seedStore(t, st, "left-pad", "1.0.0")
	flat := map[string]*resolver.ResolvedPackage{"left-pad@1.0.0": pkg}

	l := New(st, projectDir, nil)
	if _, err := l.Link(context.Background(), flat, nil, nil); err != nil {
		t.Fatalf("first Link: %v", err)
	}
	if _, err := l.Link(context.Background(), flat, nil, nil); err != nil {
		t.Fatalf("second Link: %v", err)
	}
	if _, err := os.Stat(filepath.Join(projectDir, "modules", "left-pad", "package.json")); err != nil {
		t.Fatalf("expected package to still be present after second link: %v", err)
	}
}
