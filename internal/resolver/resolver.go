// Package resolver implements the parallel dependency-graph walk described
// in spec.md 4.6: starting from a manifest's direct dependencies, it
// recursively resolves each package's own dependencies against registry
// metadata, producing a flat, deduplicated set of ResolvedPackage values
// keyed by "name@version".
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/canopy-pm/canopy/internal/canopyerr"
	"github.com/canopy-pm/canopy/internal/manifest"
	"github.com/canopy-pm/canopy/internal/metrics"
	"github.com/canopy-pm/canopy/internal/registry"
	"github.com/canopy-pm/canopy/internal/version"
)

// MetadataSource fetches a package's abbreviated metadata document. The
// registry client satisfies this directly.
type MetadataSource interface {
	GetAbbreviated(ctx context.Context, name string) (*registry.AbbreviatedDocument, error)
}

// MetadataCache is the on-disk (or shared) cache consulted when
// PreferOffline is set, and populated on every successful network fetch.
// internal/metacache satisfies this.
type MetadataCache interface {
	Get(name string) (*registry.AbbreviatedDocument, bool)
	Set(name string, doc *registry.AbbreviatedDocument)
}

// Options mirrors spec.md 4.6's resolver options.
type Options struct {
	Production             bool
	PreferOffline          bool
	AutoInstallPeers       bool
	StrictPeerDependencies bool

	// PreferredVersions maps a package name to a version a caller would like
	// resolution to pick when it still satisfies the declared range,
	// seeded from an imported legacy lockfile (internal/lockfile.ImportLegacy
	// + PreferredVersionsFromImport). It never overrides the range: a
	// preferred version that no longer satisfies falls back to ordinary
	// max-satisfying selection.
	PreferredVersions map[string]string
}

// DependencyNode is a root-level declared dependency.
type DependencyNode struct {
	Name     string
	Range    string
	Dev      bool
	Optional bool
}

// ResolvedPackage is a node in the flat resolution set.
type ResolvedPackage struct {
	Name                 string
	Version              version.Version
	Tarball              string
	Integrity            string
	Dependencies         map[string]string
	OptionalDependencies map[string]string
	PeerDependencies     map[string]string
	Bin                  map[string]string
	Optional             bool
	Dev                  bool

	mu sync.Mutex
}

func (p *ResolvedPackage) mergeFlags(dev, optional bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Dev = p.Dev || dev
	p.Optional = p.Optional || optional
}

// Result is the resolver's output: the root dependency declarations, the
// flat resolution set keyed by "name@version" (using each package's
// *declared* name, so npm: aliases key by the alias), and any warnings
// accumulated along the way.
type Result struct {
	RootMap  map[string]*DependencyNode
	Flat     map[string]*ResolvedPackage
	Warnings []string
}

type inflightCall struct {
	done chan struct{}
	doc  *registry.AbbreviatedDocument
	err  error
}

// Resolver runs the resolution algorithm described in spec.md 4.6.
type Resolver struct {
	Registry MetadataSource
	Cache    MetadataCache
	Metrics  *metrics.Metrics
	Options  Options

	mu       sync.Mutex
	memMeta  map[string]*registry.AbbreviatedDocument
	inflight map[string]*inflightCall
	flat     map[string]*ResolvedPackage
	warnings []string
}

// New builds a Resolver.
func New(reg MetadataSource, cache MetadataCache, m *metrics.Metrics, opts Options) *Resolver {
	return &Resolver{
		Registry: reg,
		Cache:    cache,
		Metrics:  m,
		Options:  opts,
		memMeta:  make(map[string]*registry.AbbreviatedDocument),
		inflight: make(map[string]*inflightCall),
		flat:     make(map[string]*ResolvedPackage),
	}
}

// Resolve walks every direct dependency in m and returns the flat set.
func (r *Resolver) Resolve(ctx context.Context, m *manifest.Manifest) (*Result, error) {
	rootMap := make(map[string]*DependencyNode)
	for name, rng := range m.Dependencies {
		rootMap[name] = &DependencyNode{Name: name, Range: rng}
	}
	for name, rng := range m.OptionalDependencies {
		rootMap[name] = &DependencyNode{Name: name, Range: rng, Optional: true}
	}
	if !r.Options.Production {
		for name, rng := range m.DevDependencies {
			rootMap[name] = &DependencyNode{Name: name, Range: rng, Dev: true}
		}
	}

	eg, egctx := errgroup.WithContext(ctx)
	for _, node := range rootMap {
		node := node
		eg.Go(func() error {
			err := r.resolveDep(egctx, node.Name, node.Range, node.Dev, node.Optional, false, map[string]struct{}{})
			if err == nil {
				return nil
			}
			if node.Optional {
				r.addWarning(fmt.Sprintf("skipping optional dependency %s@%s: %v", node.Name, node.Range, err))
				return nil
			}
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return &Result{RootMap: rootMap, Flat: r.flat, Warnings: append([]string(nil), r.warnings...)}, nil
}

// resolveDep implements the eight numbered steps of spec.md 4.6.
func (r *Resolver) resolveDep(ctx context.Context, declaredName, rangeText string, dev, optional, peer bool, seen map[string]struct{}) error {
	// 1. Alias unwrap.
	realName, realRange := unwrapAlias(declaredName, rangeText)

	// 2. Cycle guard.
	pathKey := realName + "@" + realRange
	if _, ok := seen[pathKey]; ok {
		return nil
	}
	childSeen := cloneSeen(seen, pathKey)

	// 3. Metadata.
	doc, err := r.getMetadata(ctx, realName)
	if err != nil {
		return canopyerr.NotFound(realName, err)
	}

	// 4. Selection.
	chosen, versionKey, ok := selectVersion(doc, realRange, r.Options.PreferredVersions[realName])
	if !ok {
		return canopyerr.NoSatisfyingVersion(realName, realRange, fmt.Errorf("no version of %s satisfies %q", realName, realRange))
	}
	record := doc.Versions[versionKey]

	// 5/6. Reuse or record.
	flatKey := declaredName + "@" + chosen.String()
	candidate := buildResolvedPackage(declaredName, chosen, record, dev, optional)
	existing, isNew := r.recordOrReuse(flatKey, candidate, dev, optional)
	if !isNew {
		existing.mergeFlags(dev, optional)
		return nil
	}
	if r.Metrics != nil {
		r.Metrics.ResolvePackage(ctx)
	}

	// 7. Deprecation.
	if len(record.Deprecated) > 0 && string(record.Deprecated) != "null" {
		r.addWarning(fmt.Sprintf("%s@%s is deprecated: %s", realName, chosen.String(), strings.Trim(string(record.Deprecated), `"`)))
	}

	// 8. Transitive.
	children := transitiveChildren(record, r.Options)
	if len(children) == 0 {
		return nil
	}

	eg, egctx := errgroup.WithContext(ctx)
	for _, child := range children {
		child := child
		eg.Go(func() error {
			err := r.resolveDep(egctx, child.Name, child.Range, child.Dev, child.Optional, child.Peer, childSeen)
			if err == nil {
				return nil
			}
			if child.Optional || (child.Peer && !r.Options.StrictPeerDependencies) {
				r.addWarning(fmt.Sprintf("skipping %s %s@%s: %v", childKindLabel(child), child.Name, child.Range, err))
				return nil
			}
			return err
		})
	}
	return eg.Wait()
}

type childSpec struct {
	Name, Range        string
	Dev, Optional, Peer bool
}

func childKindLabel(c childSpec) string {
	switch {
	case c.Peer:
		return "peer dependency"
	case c.Optional:
		return "optional dependency"
	default:
		return "dependency"
	}
}

func transitiveChildren(record registry.VersionRecord, opts Options) []childSpec {
	var children []childSpec
	for name, rng := range record.Dependencies {
		children = append(children, childSpec{Name: name, Range: rng})
	}
	for name, rng := range record.OptionalDependencies {
		children = append(children, childSpec{Name: name, Range: rng, Optional: true})
	}
	if opts.AutoInstallPeers {
		for name, rng := range record.PeerDependencies {
			if meta, ok := record.PeerDependenciesMeta[name]; ok && meta.Optional && !opts.StrictPeerDependencies {
				continue
			}
			children = append(children, childSpec{Name: name, Range: rng, Peer: true})
		}
	}
	return children
}

func selectVersion(doc *registry.AbbreviatedDocument, rangeText, preferred string) (version.Version, string, bool) {
	if tag, ok := doc.DistTags[rangeText]; ok {
		if _, exists := doc.Versions[tag]; exists {
			if v, err := version.Parse(tag); err == nil {
				return v, tag, true
			}
		}
	}
	rng := version.ParseRange(rangeText)
	if preferred != "" {
		if _, exists := doc.Versions[preferred]; exists {
			if v, err := version.Parse(preferred); err == nil && version.Satisfies(v, rng) {
				return v, preferred, true
			}
		}
	}
	versions := make([]version.Version, 0, len(doc.Versions))
	byString := make(map[string]string, len(doc.Versions))
	for key := range doc.Versions {
		v, err := version.Parse(key)
		if err != nil {
			continue
		}
		versions = append(versions, v)
		byString[v.String()] = key
	}
	best, found := version.MaxSatisfying(versions, rng)
	if !found {
		return version.Version{}, "", false
	}
	return best, byString[best.String()], true
}

func buildResolvedPackage(declaredName string, v version.Version, record registry.VersionRecord, dev, optional bool) *ResolvedPackage {
	integrity := ""
	if record.Dist != nil {
		integrity = record.Dist.Integrity
		if integrity == "" && record.Dist.Shasum != "" {
			integrity = "sha1-" + record.Dist.Shasum
		}
	}
	var tarball string
	if record.Dist != nil {
		tarball = record.Dist.Tarball
	}
	return &ResolvedPackage{
		Name:                 declaredName,
		Version:              v,
		Tarball:              tarball,
		Integrity:            integrity,
		Dependencies:         record.Dependencies,
		OptionalDependencies: record.OptionalDependencies,
		PeerDependencies:     record.PeerDependencies,
		Bin:                  normalizeBin(declaredName, record.Bin),
		Optional:             optional,
		Dev:                  dev,
	}
}

func normalizeBin(declaredName string, raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var asMap map[string]string
	if err := json.Unmarshal(raw, &asMap); err == nil {
		return asMap
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil && asString != "" {
		name := declaredName
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		return map[string]string{name: asString}
	}
	return nil
}

// unwrapAlias handles the "npm:realName[@realRange]" alias form: the
// declared name stays the module-tree key, but metadata lookup and range
// matching use the real package.
func unwrapAlias(declaredName, rangeText string) (realName, realRange string) {
	rest, ok := strings.CutPrefix(rangeText, "npm:")
	if !ok {
		return declaredName, rangeText
	}
	if strings.HasPrefix(rest, "@") {
		parts := strings.SplitN(rest[1:], "@", 2)
		if len(parts) == 2 {
			return "@" + parts[0], parts[1]
		}
		return "@" + parts[0], "*"
	}
	parts := strings.SplitN(rest, "@", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], "*"
}

func cloneSeen(seen map[string]struct{}, add string) map[string]struct{} {
	out := make(map[string]struct{}, len(seen)+1)
	for k := range seen {
		out[k] = struct{}{}
	}
	out[add] = struct{}{}
	return out
}

func (r *Resolver) recordOrReuse(flatKey string, candidate *ResolvedPackage, dev, optional bool) (*ResolvedPackage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.flat[flatKey]; ok {
		return existing, false
	}
	r.flat[flatKey] = candidate
	return candidate, true
}

func (r *Resolver) addWarning(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, msg)
}

// getMetadata implements step 3: in-memory map, then in-flight promise
// coalescing, then (if PreferOffline) the on-disk cache, then network.
func (r *Resolver) getMetadata(ctx context.Context, name string) (*registry.AbbreviatedDocument, error) {
	r.mu.Lock()
	if doc, ok := r.memMeta[name]; ok {
		r.mu.Unlock()
		return doc, nil
	}
	if call, ok := r.inflight[name]; ok {
		r.mu.Unlock()
		<-call.done
		return call.doc, call.err
	}
	call := &inflightCall{done: make(chan struct{})}
	r.inflight[name] = call
	r.mu.Unlock()

	doc, err := r.fetchMetadata(ctx, name)
	call.doc, call.err = doc, err
	close(call.done)

	r.mu.Lock()
	delete(r.inflight, name)
	if err == nil {
		r.memMeta[name] = doc
	}
	r.mu.Unlock()
	return doc, err
}

func (r *Resolver) fetchMetadata(ctx context.Context, name string) (*registry.AbbreviatedDocument, error) {
	if r.Options.PreferOffline && r.Cache != nil {
		if doc, ok := r.Cache.Get(name); ok {
			if r.Metrics != nil {
				r.Metrics.MetadataCacheHit(ctx)
			}
			return doc, nil
		}
	}
	doc, err := r.Registry.GetAbbreviated(ctx, name)
	if err != nil {
		return nil, err
	}
	if r.Metrics != nil {
		r.Metrics.MetadataCacheMiss(ctx)
	}
	if r.Cache != nil {
		r.Cache.Set(name, doc)
	}
	return doc, nil
}
