// Package install wires the resolver, fetcher, linker, and lockfile
// manager into the single pipeline described in spec.md's data-flow
// diagram: manifest -> Resolver -> flat resolution map -> Fetcher -> store
// -> Linker -> module tree, with the lockfile written only after a
// successful link and, in frozen mode, read back instead of re-resolved.
package install

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/canopy-pm/canopy/internal/canopyerr"
	"github.com/canopy-pm/canopy/internal/fetcher"
	"github.com/canopy-pm/canopy/internal/linker"
	"github.com/canopy-pm/canopy/internal/lockfile"
	"github.com/canopy-pm/canopy/internal/manifest"
	"github.com/canopy-pm/canopy/internal/resolver"
)

// Options controls one install run. Frozen is the install-pipeline concern
// layered on top of resolver.Options; the project directory itself is
// fixed when the Linker is constructed.
type Options struct {
	Frozen   bool
	Resolver resolver.Options
}

// Result summarizes a completed install.
type Result struct {
	Flat      map[string]*resolver.ResolvedPackage
	Warnings  []string
	Linked    int
	Binaries  int
	FromLock  bool
}

// Pipeline owns the components an install needs. Resolver, Fetcher, and
// Linker are constructed by the caller (main.go) so they can share a
// registry client, store, cache, and metrics instance across commands.
type Pipeline struct {
	Resolver *resolver.Resolver
	Fetcher  *fetcher.Fetcher
	Linker   *linker.Linker
	Lockfile *lockfile.Manager
	Log      *slog.Logger
}

// New builds a Pipeline from its already-constructed components.
func New(r *resolver.Resolver, f *fetcher.Fetcher, l *linker.Linker, lock *lockfile.Manager, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{Resolver: r, Fetcher: f, Linker: l, Lockfile: lock, Log: log}
}

// Run executes one install: resolve (or load from lockfile), fetch into
// the store, link into the module tree, and, outside frozen mode, persist
// the lockfile once linking has succeeded.
func (p *Pipeline) Run(ctx context.Context, m *manifest.Manifest, opts Options) (*Result, error) {
	flat, warnings, fromLock, err := p.resolve(ctx, m, opts)
	if err != nil {
		return nil, err
	}

	packages := make([]*resolver.ResolvedPackage, 0, len(flat))
	for _, pkg := range flat {
		packages = append(packages, pkg)
	}
	fetchWarnings, err := p.Fetcher.FetchAll(ctx, packages)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, fetchWarnings...)

	edges := buildEdges(m, flat)
	directHints := directVersionHints(m, flat)
	linkResult, err := p.Linker.Link(ctx, flat, edges, directHints)
	if err != nil {
		return nil, err
	}

	if !opts.Frozen && !fromLock {
		if err := p.Lockfile.Write(flat, m); err != nil {
			return nil, fmt.Errorf("install: write lockfile: %w", err)
		}
	}

	return &Result{
		Flat:     flat,
		Warnings: warnings,
		Linked:   linkResult.Linked,
		Binaries: linkResult.BinariesInstalled,
		FromLock: fromLock,
	}, nil
}

// resolve implements the frozen-mode gate: in frozen mode the lockfile
// must exist and must already match the manifest's declared ranges, or the
// install fails outright with no side effects (no resolution, no fetch, no
// link). Outside frozen mode it always resolves fresh against the
// registry.
func (p *Pipeline) resolve(ctx context.Context, m *manifest.Manifest, opts Options) (map[string]*resolver.ResolvedPackage, []string, bool, error) {
	if opts.Frozen {
		if !p.Lockfile.Exists() {
			return nil, nil, false, canopyerr.LockfileOutOfDate(fmt.Errorf("frozen install requested but no lockfile is present"))
		}
		upToDate, err := p.Lockfile.IsUpToDate(m)
		if err != nil {
			return nil, nil, false, err
		}
		if !upToDate {
			return nil, nil, false, canopyerr.LockfileOutOfDate(fmt.Errorf("lockfile does not match manifest dependencies"))
		}
		lock, err := p.Lockfile.Read()
		if err != nil {
			return nil, nil, false, err
		}
		return lockfile.ToResolved(lock), nil, true, nil
	}

	result, err := p.Resolver.Resolve(ctx, m)
	if err != nil {
		return nil, nil, false, err
	}
	return result.Flat, result.Warnings, false, nil
}

// buildEdges reconstructs the parent->child declared-dependency edges the
// linker needs to decide nesting, by reading each resolved package's own
// Dependencies/OptionalDependencies back out of the flat map. Root-level
// edges use "" as the parent.
func buildEdges(m *manifest.Manifest, flat map[string]*resolver.ResolvedPackage) []linker.Edge {
	var edges []linker.Edge
	for name := range m.AllDependencies(true) {
		if pkg := findByName(flat, name); pkg != nil {
			edges = append(edges, linker.Edge{Parent: "", Name: name, Version: pkg.Version.String()})
		}
	}
	for parentKey, parent := range flat {
		parentName := nameFromFlatKey(parentKey)
		for childName := range parent.Dependencies {
			if pkg := findByName(flat, childName); pkg != nil {
				edges = append(edges, linker.Edge{Parent: parentName, Name: childName, Version: pkg.Version.String()})
			}
		}
		for childName := range parent.OptionalDependencies {
			if pkg := findByName(flat, childName); pkg != nil {
				edges = append(edges, linker.Edge{Parent: parentName, Name: childName, Version: pkg.Version.String()})
			}
		}
	}
	return edges
}

// directVersionHints maps each manifest-declared dependency name to the
// version the resolver picked for it, which the linker prefers over raw
// multiplicity when choosing what to hoist.
func directVersionHints(m *manifest.Manifest, flat map[string]*resolver.ResolvedPackage) map[string]string {
	hints := make(map[string]string)
	for name := range m.AllDependencies(true) {
		if pkg := findByName(flat, name); pkg != nil {
			hints[name] = pkg.Version.String()
		}
	}
	return hints
}

// findByName returns the (arbitrary, but only-one-expected-in-practice)
// resolved package for a declared name. Ambiguity can only arise from an
// npm: alias resolving the same declared name to two different ranges at
// different points in the graph, which the resolver's cycle/reuse logic
// already prevents within a single resolve.
func findByName(flat map[string]*resolver.ResolvedPackage, name string) *resolver.ResolvedPackage {
	for _, pkg := range flat {
		if pkg.Name == name {
			return pkg
		}
	}
	return nil
}

func nameFromFlatKey(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '@' && i > 0 {
			return key[:i]
		}
	}
	return key
}
