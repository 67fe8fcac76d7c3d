// Package lockfile serializes and validates the resolved dependency set
// described in spec.md 4.9/6: a deterministic JSON document, with package
// and dependency keys in lexicographic order, that binds a manifest's declared ranges to the exact versions an
// install resolved, so a later install can skip resolution entirely (or, in
// frozen mode, refuse to diverge from it).
package lockfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/iancoleman/orderedmap"

	"github.com/canopy-pm/canopy/internal/canopyerr"
	"github.com/canopy-pm/canopy/internal/manifest"
	"github.com/canopy-pm/canopy/internal/resolver"
	"github.com/canopy-pm/canopy/internal/version"
)

// SchemaVersion is the current lockfile schema. A lockfile written by a
// different version is rejected on read rather than silently upgraded.
const SchemaVersion = 1

// LockedRecord is the on-disk projection of a resolver.ResolvedPackage:
// names are carried in the enclosing map key, empty sub-maps are omitted
// entirely, and boolean flags are omitted when false.
type LockedRecord struct {
	Version              string            `json:"version"`
	Resolved             string            `json:"resolved"`
	Integrity            string            `json:"integrity,omitempty"`
	Dependencies         map[string]string `json:"dependencies,omitempty"`
	PeerDependencies     map[string]string `json:"peerDependencies,omitempty"`
	OptionalDependencies map[string]string `json:"optionalDependencies,omitempty"`
	Bin                  map[string]string `json:"bin,omitempty"`
	Optional             bool              `json:"optional,omitempty"`
	Dev                  bool              `json:"dev,omitempty"`
}

// Lockfile is the parsed on-disk document.
type Lockfile struct {
	Version         int                     `json:"version"`
	Dependencies    map[string]string       `json:"dependencies"`
	DevDependencies map[string]string       `json:"devDependencies"`
	Packages        map[string]LockedRecord `json:"packages"`
}

// Manager reads and writes a single project's lockfile.
type Manager struct {
	Path string
}

// New points a Manager at a lockfile path (conventionally
// "<projectDir>/canopy-lock.json").
func New(path string) *Manager {
	return &Manager{Path: path}
}

// Exists reports whether a lockfile is present on disk.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.Path)
	return err == nil
}

// Read loads and validates the lockfile, returning nil if it does not
// exist.
func (m *Manager) Read() (*Lockfile, error) {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lockfile: read %s: %w", m.Path, err)
	}
	var lock Lockfile
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("lockfile: decode %s: %w", m.Path, err)
	}
	if lock.Version != SchemaVersion {
		return nil, canopyerr.LockfileSchemaMismatch(fmt.Errorf("lockfile schema %d, expected %d", lock.Version, SchemaVersion))
	}
	return &lock, nil
}

// Write projects flat into LockedRecords and writes the document
// atomically: two-space indented, package keys and dependency-map keys
// sorted lexicographically (top-level and per-record fields keep the fixed
// order set below), single trailing newline.
func (m *Manager) Write(flat map[string]*resolver.ResolvedPackage, man *manifest.Manifest) error {
	doc := orderedmap.New()
	doc.Set("version", SchemaVersion)
	doc.Set("dependencies", sortedStringMap(man.Dependencies))
	doc.Set("devDependencies", sortedStringMap(man.DevDependencies))

	packages := orderedmap.New()
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		packages.Set(key, recordOrderedMap(flat[key]))
	}
	doc.Set("packages", packages)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("lockfile: encode: %w", err)
	}

	tmp := m.Path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("lockfile: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, m.Path); err != nil {
		return fmt.Errorf("lockfile: rename into place: %w", err)
	}
	return nil
}

func sortedStringMap(m map[string]string) *orderedmap.OrderedMap {
	om := orderedmap.New()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		om.Set(k, m[k])
	}
	return om
}

func recordOrderedMap(pkg *resolver.ResolvedPackage) *orderedmap.OrderedMap {
	om := orderedmap.New()
	om.Set("version", pkg.Version.String())
	om.Set("resolved", pkg.Tarball)
	if pkg.Integrity != "" {
		om.Set("integrity", pkg.Integrity)
	}
	if len(pkg.Dependencies) > 0 {
		om.Set("dependencies", sortedStringMap(pkg.Dependencies))
	}
	if len(pkg.PeerDependencies) > 0 {
		om.Set("peerDependencies", sortedStringMap(pkg.PeerDependencies))
	}
	if len(pkg.OptionalDependencies) > 0 {
		om.Set("optionalDependencies", sortedStringMap(pkg.OptionalDependencies))
	}
	if len(pkg.Bin) > 0 {
		om.Set("bin", sortedStringMap(pkg.Bin))
	}
	if pkg.Optional {
		om.Set("optional", true)
	}
	if pkg.Dev {
		om.Set("dev", true)
	}
	return om
}

// ToResolved expands a read Lockfile back into a flat resolution map,
// splitting each "name@version" key at its last "@" to recover the name (so
// scoped package keys like "@scope/pkg@1.0.0" work), and restoring omitted
// sub-maps as empty (never nil) for downstream consumers.
func ToResolved(lock *Lockfile) map[string]*resolver.ResolvedPackage {
	flat := make(map[string]*resolver.ResolvedPackage, len(lock.Packages))
	for key, rec := range lock.Packages {
		name := splitName(key)
		v, err := version.Parse(rec.Version)
		if err != nil {
			continue
		}
		flat[key] = &resolver.ResolvedPackage{
			Name:                 name,
			Version:              v,
			Tarball:              rec.Resolved,
			Integrity:            rec.Integrity,
			Dependencies:         emptyIfNil(rec.Dependencies),
			PeerDependencies:     emptyIfNil(rec.PeerDependencies),
			OptionalDependencies: emptyIfNil(rec.OptionalDependencies),
			Bin:                  emptyIfNil(rec.Bin),
			Optional:             rec.Optional,
			Dev:                  rec.Dev,
		}
	}
	return flat
}

func splitName(key string) string {
	i := strings.LastIndex(key, "@")
	if i <= 0 {
		return key
	}
	return key[:i]
}

func emptyIfNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// IsUpToDate compares man's declared dependency ranges against the ones
// embedded in the lockfile header: any addition, removal, or range change
// on either side marks the lockfile out of date.
func (m *Manager) IsUpToDate(man *manifest.Manifest) (bool, error) {
	lock, err := m.Read()
	if err != nil {
		return false, err
	}
	if lock == nil {
		return false, nil
	}
	return mapsEqual(lock.Dependencies, man.Dependencies) && mapsEqual(lock.DevDependencies, man.DevDependencies), nil
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
