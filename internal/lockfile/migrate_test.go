package lockfile

import (
	"strings"
	"testing"
)

const samplePackageLock = `{
  "name": "demo",
  "version": "1.0.0",
  "packages": {
    "": {
      "name": "demo",
      "version": "1.0.0"
    },
    "node_modules/left-pad": {
      "name": "left-pad",
      "version": "1.3.0",
      "resolved": "https://registry.npmjs.org/left-pad/-/left-pad-1.3.0.tgz",
      "integrity": "sha512-abc=="
    },
    "node_modules/left-pad/node_modules/left-pad": {
      "name": "left-pad",
      "version": "1.1.0",
      "resolved": "https://registry.npmjs.org/left-pad/-/left-pad-1.1.0.tgz",
      "integrity": "sha512-def=="
    },
    "node_modules/local-thing": {
      "version": "0.0.1",
      "resolved": "file:../local-thing"
    },
    "node_modules/git-thing": {
      "version": "0.0.1",
      "resolved": "git+https://example.com/git-thing.git"
    }
  }
}`

func TestImportLegacySkipsRootAndNonRegistryEntries(t *testing.T) {
	flat, err := ImportLegacy(strings.NewReader(samplePackageLock))
	if err != nil {
		t.Fatalf("ImportLegacy: %v", err)
	}
	if len(flat) != 2 {
		t.Fatalf("expected 2 registry packages, got %d: %v", len(flat), flat)
	}
	if _, ok := flat["left-pad@1.3.0"]; !ok {
		t.Fatalf("expected left-pad@1.3.0 in result")
	}
	if _, ok := flat["left-pad@1.1.0"]; !ok {
		t.Fatalf("expected left-pad@1.1.0 in result")
	}
	if _, ok := flat["local-thing@0.0.1"]; ok {
		t.Fatalf("did not expect a file: entry to be imported")
	}
	if _, ok := flat["git-thing@0.0.1"]; ok {
		t.Fatalf("did not expect a git+ entry to be imported")
	}
}

func TestPreferredVersionsFromImportKeepsGreatest(t *testing.T) {
	flat, err := ImportLegacy(strings.NewReader(samplePackageLock))
	if err != nil {
		t.Fatalf("ImportLegacy: %v", err)
	}
	preferred := PreferredVersionsFromImport(flat)
	if got := preferred["left-pad"]; got != "1.3.0" {
		t.Fatalf("expected left-pad preferred version 1.3.0, got %q", got)
	}
}
