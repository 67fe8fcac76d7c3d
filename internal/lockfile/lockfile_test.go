package lockfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/canopy-pm/canopy/internal/manifest"
	"github.com/canopy-pm/canopy/internal/resolver"
	"github.com/canopy-pm/canopy/internal/version"
)

func mustVersion(t *testing.T, s string) version.Version {
	t.Helper()
	v, err := version.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%s): %v", s, err)
	}
	return v
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "canopy-lock.json"))

	flat := map[string]*resolver.ResolvedPackage{
		"left-pad@1.0.0": {
			Name:      "left-pad",
			Version:   mustVersion(t, "1.0.0"),
			Tarball:   "https://registry.example/left-pad-1.0.0.tgz",
			Integrity: "sha512-abc==",
		},
		"@scope/pkg@2.0.0": {
			Name:         "@scope/pkg",
			Version:      mustVersion(t, "2.0.0"),
			Tarball:      "https://registry.example/scope-pkg-2.0.0.tgz",
			Integrity:    "sha512-def==",
			Dependencies: map[string]string{"left-pad": "^1.0.0"},
			Dev:          true,
		},
	}
	man := &manifest.Manifest{Dependencies: map[string]string{"@scope/pkg": "^2.0.0"}, DevDependencies: map[string]string{"left-pad": "^1.0.0"}}

	if err := m.Write(flat, man); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !m.Exists() {
		t.Fatalf("expected lockfile to exist after Write")
	}

	lock, err := m.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if lock.Version != SchemaVersion {
		t.Fatalf("expected schema version %d, got %d", SchemaVersion, lock.Version)
	}
	if len(lock.Packages) != 2 {
		t.Fatalf("expected 2 packages, got %d", len(lock.Packages))
	}

	resolved := ToResolved(lock)
	scoped, ok := resolved["@scope/pkg@2.0.0"]
	if !ok {
		t.Fatalf("expected scoped package to round-trip with its full key")
	}
	if scoped.Name != "@scope/pkg" {
		t.Fatalf("expected name recovered by splitting at the last '@', got %q", scoped.Name)
	}
	if !scoped.Dev {
		t.Fatalf("expected dev flag to round-trip")
	}
	if len(resolved["left-pad@1.0.0"].Dependencies) != 0 {
		t.Fatalf("expected omitted dependencies to restore as an empty, non-nil map")
	}
}

func TestWriteProducesTrailingNewlineAndIndent(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "canopy-lock.json"))
	flat := map[string]*resolver.ResolvedPackage{}
	if err := m.Write(flat, &manifest.Manifest{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	raw, err := os.ReadFile(m.Path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data := string(raw)
	if !strings.HasSuffix(data, "\n") {
		t.Fatalf("expected lockfile to end with a trailing newline")
	}
	if !strings.Contains(data, "\n  \"") {
		t.Fatalf("expected two-space indentation, got: %s", data)
	}
}

func TestReadRejectsSchemaMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "canopy-lock.json")
	if err := os.WriteFile(path, []byte(`{"version":99,"dependencies":{},"devDependencies":{},"packages":{}}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m := New(path)
	if _, err := m.Read(); err == nil {
		t.Fatalf("expected schema mismatch error")
	}
}

func TestIsUpToDateDetectsAddedDependency(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "canopy-lock.json"))
	if err := m.Write(map[string]*resolver.ResolvedPackage{}, &manifest.Manifest{Dependencies: map[string]string{"a": "^1.0.0"}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	upToDate, err := m.IsUpToDate(&manifest.Manifest{Dependencies: map[string]string{"a": "^1.0.0", "b": "^1.0.0"}})
	if err != nil {
		t.Fatalf("IsUpToDate: %v", err)
	}
	if upToDate {
		t.Fatalf("expected added dependency to mark lockfile out of date")
	}
}

func TestIsUpToDateFalseWhenLockfileMissing(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "canopy-lock.json"))
	upToDate, err := m.IsUpToDate(&manifest.Manifest{})
	if err != nil {
		t.Fatalf("IsUpToDate: %v", err)
	}
	if upToDate {
		t.Fatalf("expected missing lockfile to be reported as not up to date")
	}
}
