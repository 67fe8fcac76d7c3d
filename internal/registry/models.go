package registry

import (
	"encoding/json"
	"time"
)

// AbbreviatedDocument is the registry's "abbreviated metadata" document for
// a package: every published version plus dist-tags, as served by the
// npm-compatible Accept header. It mirrors what registries actually return,
// not a full packument (no readme, no per-version maintainers list).
type AbbreviatedDocument struct {
	Name     string                   `json:"name"`
	Modified time.Time                `json:"modified"`
	DistTags map[string]string        `json:"dist-tags"`
	Versions map[string]VersionRecord `json:"versions"`
}

// VersionRecord is one published version's manifest as embedded in an
// AbbreviatedDocument.
type VersionRecord struct {
	Name                 string                         `json:"name"`
	Version              string                         `json:"version"`
	Deprecated           json.RawMessage                `json:"deprecated,omitempty"`
	Dist                 *Dist                          `json:"dist"`
	Dependencies         map[string]string              `json:"dependencies,omitempty"`
	OptionalDependencies map[string]string              `json:"optionalDependencies,omitempty"`
	DevDependencies      map[string]string              `json:"devDependencies,omitempty"`
	BundledDependencies  []string                       `json:"bundledDependencies,omitempty"`
	PeerDependencies     map[string]string              `json:"peerDependencies,omitempty"`
	PeerDependenciesMeta map[string]PeerDependencyMeta  `json:"peerDependenciesMeta,omitempty"`
	Bin                  json.RawMessage                `json:"bin,omitempty"`
	Engines              json.RawMessage                `json:"engines,omitempty"`
	HasInstallScript     bool                            `json:"hasInstallScript,omitempty"`
}

// PeerDependencyMeta carries the "optional" flag for a single peer
// dependency entry, per spec.md's manifest grammar.
type PeerDependencyMeta struct {
	Optional bool `json:"optional,omitempty"`
}

// Dist describes where and how to fetch a version's tarball.
type Dist struct {
	Integrity    string          `json:"integrity,omitempty"`
	Shasum       string          `json:"shasum"`
	Tarball      string          `json:"tarball"`
	FileCount    int             `json:"fileCount,omitempty"`
	UnpackedSize int64           `json:"unpackedSize,omitempty"`
	Signatures   []DistSignature `json:"signatures,omitempty"`
}

// DistSignature is a registry-side signature over a Dist entry. canopy
// never verifies these (no registry public key is configured); they are
// decoded with the rest of Dist and not otherwise used (the lockfile does
// not record them).
type DistSignature struct {
	KeyID string `json:"keyid"`
	Sig   string `json:"sig"`
}
