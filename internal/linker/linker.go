// Package linker materializes a resolved, fetched dependency set into a
// project's "modules/" tree: hoisted where possible, nested under a parent
// when a version conflict demands it, connected to the content-addressable
// store by hardlink (falling back to copy across filesystem boundaries),
// with executable shims written into modules/.bin.
package linker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/canopy-pm/canopy/internal/canopyerr"
	"github.com/canopy-pm/canopy/internal/metrics"
	"github.com/canopy-pm/canopy/internal/resolver"
	"github.com/canopy-pm/canopy/internal/store"
)

const markerFileName = ".marker"

type marker struct {
	Schema    int    `json:"schema"`
	CreatedAt string `json:"createdAt"`
}

// Edge is one parent->child declared-dependency edge discovered while
// resolving, used to decide where a non-hoisted version must be nested.
type Edge struct {
	Parent  string // "" for the project root
	Name    string
	Version string
}

// Result is the Linker's output.
type Result struct {
	Linked            int
	BinariesInstalled int
	Errors            []error
}

// Linker materializes resolver.Result.Flat into a module tree.
type Linker struct {
	Store   *store.Store
	Root    string // project directory; modules live at Root/modules
	Metrics *metrics.Metrics
	Now     func() string
}

// New builds a Linker rooted at projectDir.
func New(st *store.Store, projectDir string, m *metrics.Metrics) *Linker {
	return &Linker{Store: st, Root: projectDir, Metrics: m, Now: defaultNow}
}

func defaultNow() string { return time.Now().UTC().Format(time.RFC3339) }

func (l *Linker) modulesDir() string { return filepath.Join(l.Root, "modules") }
func (l *Linker) binDir() string     { return filepath.Join(l.modulesDir(), ".bin") }

// Link materializes flat into the module tree. directHints maps a
// declared-name to the version the project's own manifest requires, which
// takes priority over multiplicity when choosing the hoisted version.
func (l *Linker) Link(ctx context.Context, flat map[string]*resolver.ResolvedPackage, edges []Edge, directHints map[string]string) (*Result, error) {
	if err := l.prepare(); err != nil {
		return nil, err
	}

	hoisted := chooseHoisted(flat, edges, directHints)

	result := &Result{}

	// Hoisted set first: every package matching the hoisted choice for its
	// name goes straight to modules/<name>.
	for _, flatKey := range sortedNames(flat) {
		pkg := flat[flatKey]
		if pkg.Version.String() != hoisted[pkg.Name] {
			continue
		}
		dest := filepath.Join(l.modulesDir(), scopedPath(pkg.Name))
		if err := l.materializeOne(ctx, pkg, dest); err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Linked++
	}

	// Nested placements: every edge whose required version differs from the
	// hoisted choice gets its own parent-scoped copy.
	seenNested := make(map[string]bool)
	for _, e := range edges {
		if e.Parent == "" {
			continue
		}
		if e.Version == hoisted[e.Name] {
			continue
		}
		flatKey := e.Name + "@" + e.Version
		pkg, ok := flat[flatKey]
		if !ok {
			continue
		}
		nestKey := e.Parent + "/" + flatKey
		if seenNested[nestKey] {
			continue
		}
		seenNested[nestKey] = true

		dest := filepath.Join(l.modulesDir(), scopedPath(e.Parent), "modules", scopedPath(e.Name))
		if err := l.materializeOne(ctx, pkg, dest); err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Linked++
	}

	bins, err := l.installBinaries(flat, hoisted)
	if err != nil {
		result.Errors = append(result.Errors, err)
	}
	result.BinariesInstalled = bins

	if err := l.writeMarker(); err != nil {
		result.Errors = append(result.Errors, err)
	}

	if len(result.Errors) > 0 {
		return result, result.Errors[0]
	}
	return result, nil
}

// prepare removes the visible entries of an existing modules/ directory
// (hidden entries such as .bin and .marker are kept, and the marker is not
// consulted) and ensures modules/ and modules/.bin exist.
func (l *Linker) prepare() error {
	dir := l.modulesDir()
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		if err := cleanVisibleEntries(dir); err != nil {
			return canopyerr.LinkError("", "", fmt.Errorf("clean modules dir: %w", err))
		}
	}
	if err := os.MkdirAll(l.binDir(), 0o755); err != nil {
		return canopyerr.LinkError("", "", fmt.Errorf("create modules/.bin: %w", err))
	}
	return nil
}

func cleanVisibleEntries(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (l *Linker) writeMarker() error {
	data, err := json.MarshalIndent(marker{Schema: 1, CreatedAt: l.Now()}, "", "  ")
	if err != nil {
		return err
	}
	target := filepath.Join(l.modulesDir(), markerFileName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return canopyerr.LinkError("", "", err)
	}
	return os.Rename(tmp, target)
}

// scopedPath turns a package name into its path segment, preserving the
// intermediate scope directory for "@scope/name" packages.
func scopedPath(name string) string {
	return filepath.FromSlash(name)
}

// chooseHoisted implements spec.md 4.8's hoisting policy: the direct hint if
// present, else the version with the greatest multiplicity, where
// multiplicity is the number of distinct parents requiring that version
// (one count per edge), ties broken by first encountered (flat map
// iteration order, made deterministic here by walking sorted keys). Every
// version appearing in flat is seeded into the candidate set first so a
// package with no incoming edge (should not normally happen, but costs
// nothing to guard) still gets a hoisting decision.
func chooseHoisted(flat map[string]*resolver.ResolvedPackage, edges []Edge, directHints map[string]string) map[string]string {
	counts := make(map[string]map[string]int) // name -> version -> requiring-parent count
	order := make(map[string][]string)         // name -> versions in first-seen order

	for _, flatKey := range sortedNames(flat) {
		pkg := flat[flatKey]
		v := pkg.Version.String()
		if counts[pkg.Name] == nil {
			counts[pkg.Name] = make(map[string]int)
		}
		if _, ok := counts[pkg.Name][v]; !ok {
			order[pkg.Name] = append(order[pkg.Name], v)
			counts[pkg.Name][v] = 0
		}
	}

	for _, e := range edges {
		if _, ok := counts[e.Name][e.Version]; !ok {
			continue
		}
		counts[e.Name][e.Version]++
	}

	hoisted := make(map[string]string, len(counts))
	for name, versions := range order {
		if hint, ok := directHints[name]; ok {
			if _, exists := counts[name][hint]; exists {
				hoisted[name] = hint
				continue
			}
		}
		best := versions[0]
		for _, v := range versions[1:] {
			if counts[name][v] > counts[name][best] {
				best = v
			}
		}
		hoisted[name] = best
	}
	return hoisted
}

func sortedNames(flat map[string]*resolver.ResolvedPackage) []string {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// materializeOne recreates pkg's store directory structure at dest via
// hardlink-or-copy. The store entry is never modified.
func (l *Linker) materializeOne(ctx context.Context, pkg *resolver.ResolvedPackage, dest string) error {
	key := storeKeyOf(pkg)
	src := l.Store.Path(key)
	if err := os.RemoveAll(dest); err != nil {
		return canopyerr.LinkError(pkg.Name, pkg.Version.String(), err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return canopyerr.LinkError(pkg.Name, pkg.Version.String(), err)
	}
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		default:
			return l.linkOrCopy(ctx, path, target)
		}
	})
	if err != nil {
		return canopyerr.LinkError(pkg.Name, pkg.Version.String(), err)
	}
	return nil
}

func (l *Linker) linkOrCopy(ctx context.Context, src, dest string) error {
	if err := os.Link(src, dest); err == nil {
		if l.Metrics != nil {
			l.Metrics.LinkHardlink(ctx)
		}
		return nil
	}
	if l.Metrics != nil {
		l.Metrics.LinkCopyFallback(ctx)
	}
	return copyFile(src, dest)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func storeKeyOf(pkg *resolver.ResolvedPackage) string {
	return store.Key(pkg.Name, pkg.Version.String(), pkg.Integrity)
}

// installBinaries writes modules/.bin shims for every hoisted package with
// a non-empty bin map. Nested-only packages (shadowed by a different
// hoisted version) do not get shims, matching npm's own behavior.
func (l *Linker) installBinaries(flat map[string]*resolver.ResolvedPackage, hoisted map[string]string) (int, error) {
	count := 0
	for _, flatKey := range sortedNames(flat) {
		pkg := flat[flatKey]
		if pkg.Version.String() != hoisted[pkg.Name] || len(pkg.Bin) == 0 {
			continue
		}
		packageDir := filepath.Join(l.modulesDir(), scopedPath(pkg.Name))
		binNames := make([]string, 0, len(pkg.Bin))
		for name := range pkg.Bin {
			binNames = append(binNames, name)
		}
		sort.Strings(binNames)
		for _, binName := range binNames {
			target := filepath.Join(packageDir, filepath.FromSlash(pkg.Bin[binName]))
			if err := l.installBinary(binName, target); err != nil {
				return count, canopyerr.LinkError(pkg.Name, pkg.Version.String(), err)
			}
			count++
		}
	}
	return count, nil
}

func (l *Linker) installBinary(binName, target string) error {
	if runtime.GOOS == "windows" {
		return installWindowsShims(l.binDir(), binName, target)
	}
	return installUnixShim(l.binDir(), binName, target)
}

func installUnixShim(binDir, binName, target string) error {
	link := filepath.Join(binDir, binName)
	os.Remove(link)
	rel, err := filepath.Rel(binDir, target)
	if err != nil {
		rel = target
	}
	if err := os.Symlink(rel, link); err != nil {
		return err
	}
	if info, err := os.Stat(target); err == nil {
		os.Chmod(target, info.Mode()|0o111)
	}
	return nil
}
