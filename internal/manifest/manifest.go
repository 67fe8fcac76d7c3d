// Package manifest parses the project manifest (a package.json-equivalent
// document) that seeds dependency resolution. Script bodies are carried as
// opaque strings and never interpreted — executing them is out of scope.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// PeerDependencyMeta carries the "optional" flag for one peer dependency.
type PeerDependencyMeta struct {
	Optional bool `json:"optional,omitempty"`
}

// Manifest is the parsed project manifest.
type Manifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`

	Dependencies         map[string]string             `json:"dependencies,omitempty"`
	DevDependencies      map[string]string             `json:"devDependencies,omitempty"`
	PeerDependencies     map[string]string             `json:"peerDependencies,omitempty"`
	PeerDependenciesMeta map[string]PeerDependencyMeta  `json:"peerDependenciesMeta,omitempty"`
	OptionalDependencies map[string]string              `json:"optionalDependencies,omitempty"`

	Bin     map[string]string `json:"-"`
	Scripts map[string]string `json:"scripts,omitempty"`
}

// manifestAlias has the same fields as Manifest but with Bin as raw JSON,
// since "bin" may legally be either a bare string or a map.
type manifestAlias struct {
	Name                 string                        `json:"name"`
	Version              string                        `json:"version"`
	Dependencies         map[string]string             `json:"dependencies,omitempty"`
	DevDependencies      map[string]string             `json:"devDependencies,omitempty"`
	PeerDependencies     map[string]string             `json:"peerDependencies,omitempty"`
	PeerDependenciesMeta map[string]PeerDependencyMeta `json:"peerDependenciesMeta,omitempty"`
	OptionalDependencies map[string]string             `json:"optionalDependencies,omitempty"`
	Bin                  json.RawMessage               `json:"bin,omitempty"`
	Scripts              map[string]string             `json:"scripts,omitempty"`
}

func (m *Manifest) UnmarshalJSON(data []byte) error {
	var a manifestAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = Manifest{
		Name:                 a.Name,
		Version:              a.Version,
		Dependencies:         a.Dependencies,
		DevDependencies:      a.DevDependencies,
		PeerDependencies:     a.PeerDependencies,
		PeerDependenciesMeta: a.PeerDependenciesMeta,
		OptionalDependencies: a.OptionalDependencies,
		Scripts:              a.Scripts,
	}
	if len(a.Bin) == 0 {
		return nil
	}
	var asMap map[string]string
	if err := json.Unmarshal(a.Bin, &asMap); err == nil {
		m.Bin = asMap
		return nil
	}
	var asString string
	if err := json.Unmarshal(a.Bin, &asString); err != nil {
		return fmt.Errorf("manifest: bin field is neither a string nor a map: %w", err)
	}
	if m.Name != "" && asString != "" {
		m.Bin = map[string]string{m.Name: asString}
	}
	return nil
}

// BinFor resolves the bin map for this manifest: the command-name to
// script-path pairs to materialize in the tree's .bin directory.
func (m Manifest) BinFor() map[string]string {
	if len(m.Bin) == 0 {
		return nil
	}
	out := make(map[string]string, len(m.Bin))
	for k, v := range m.Bin {
		out[k] = v
	}
	return out
}

// Parse reads and decodes a manifest document.
func Parse(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("manifest: read: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	return &m, nil
}

// Load reads a manifest file from disk.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// AllDependencies returns the union of dependencies, devDependencies, and
// optionalDependencies, the set a top-level install resolves against.
// peerDependencies are not included here; nothing in canopy resolves or
// checks the project's own peerDependencies.
func (m Manifest) AllDependencies(includeDev bool) map[string]string {
	out := make(map[string]string, len(m.Dependencies)+len(m.OptionalDependencies))
	for name, rangeText := range m.Dependencies {
		out[name] = rangeText
	}
	for name, rangeText := range m.OptionalDependencies {
		out[name] = rangeText
	}
	if includeDev {
		for name, rangeText := range m.DevDependencies {
			out[name] = rangeText
		}
	}
	return out
}

// IsOptionalPeer reports whether a peer dependency is marked optional via
// peerDependenciesMeta.
func (m Manifest) IsOptionalPeer(name string) bool {
	meta, ok := m.PeerDependenciesMeta[name]
	return ok && meta.Optional
}
