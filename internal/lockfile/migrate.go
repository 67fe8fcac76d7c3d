package lockfile

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/canopy-pm/canopy/internal/resolver"
	"github.com/canopy-pm/canopy/internal/version"
)

// npmLock is the subset of an npm package-lock.json (schema v2/v3) this
// package cares about: the flat "packages" map keyed by install path
// (node_modules/foo, node_modules/foo/node_modules/bar, ...), adapted from
// the teacher's npm/pkglock.NPMLock.
type npmLock struct {
	Name     string                `json:"name"`
	Version  string                `json:"version"`
	Packages map[string]npmLockPkg `json:"packages"`
}

type npmLockPkg struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Resolved     string            `json:"resolved"`
	Integrity    string            `json:"integrity"`
	Dependencies map[string]string `json:"dependencies"`
	Optional     bool              `json:"optional"`
	Dev          bool              `json:"dev"`
}

// ImportLegacy parses an existing npm package-lock.json and returns the
// registry packages it names as a flat resolution map keyed the same way
// canopy's own lockfile packages are ("name@version"), adapted from the
// teacher's npm/pkglock.Parse. Local, git, and workspace-linked entries are
// skipped, since canopy has nothing to fetch for them. The root project
// entry (install path "") is skipped too.
//
// The result seeds resolver hints for a first install against an existing
// npm-managed project; it carries no peer-dependency or bin metadata, so it
// is never substituted directly for a real resolve or written back as a
// canopy lockfile.
func ImportLegacy(r io.Reader) (map[string]*resolver.ResolvedPackage, error) {
	var lock npmLock
	if err := json.NewDecoder(r).Decode(&lock); err != nil {
		return nil, fmt.Errorf("lockfile: decode legacy package-lock.json: %w", err)
	}

	flat := make(map[string]*resolver.ResolvedPackage)
	for installPath, pkg := range lock.Packages {
		if installPath == "" {
			continue
		}
		if pkg.Resolved == "" || strings.HasPrefix(pkg.Resolved, "file:") || strings.HasPrefix(pkg.Resolved, "git+") {
			continue
		}
		name := pkg.Name
		if name == "" {
			name = stripNodeModulesPath(installPath)
		}
		if name == "" || pkg.Version == "" {
			continue
		}
		v, err := version.Parse(pkg.Version)
		if err != nil {
			continue
		}
		key := name + "@" + pkg.Version
		flat[key] = &resolver.ResolvedPackage{
			Name:                 name,
			Version:              v,
			Tarball:              pkg.Resolved,
			Integrity:            pkg.Integrity,
			Dependencies:         emptyIfNil(pkg.Dependencies),
			PeerDependencies:     map[string]string{},
			OptionalDependencies: map[string]string{},
			Bin:                  map[string]string{},
			Optional:             pkg.Optional,
			Dev:                  pkg.Dev,
		}
	}
	return flat, nil
}

func stripNodeModulesPath(p string) string {
	idx := strings.LastIndex(p, "node_modules/")
	if idx == -1 {
		return p
	}
	return p[idx+len("node_modules/"):]
}

// PreferredVersionsFromImport collapses an ImportLegacy result down to one
// preferred version per package name, for seeding resolver.Options'
// PreferredVersions hint map. A legacy lock commonly names more than one
// installed version of the same package at different nesting depths; the
// greatest is kept as the hint, the same as npm's own "prefer the hoisted
// version" bias.
func PreferredVersionsFromImport(flat map[string]*resolver.ResolvedPackage) map[string]string {
	out := make(map[string]string, len(flat))
	for _, pkg := range flat {
		cur, ok := out[pkg.Name]
		if !ok {
			out[pkg.Name] = pkg.Version.String()
			continue
		}
		curV, err := version.Parse(cur)
		if err == nil && version.Compare(pkg.Version, curV) > 0 {
			out[pkg.Name] = pkg.Version.String()
		}
	}
	return out
}
