// Package config defines the Config surface an install or mirror command
// reads its settings from: kong flags with CANOPY_*-prefixed environment
// fallbacks, the same env-tag mechanism the teacher uses for its own
// DEPOT_* variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the full set of knobs spec.md 6 describes. A zero-value Config
// is not ready to use; call Defaults after flag/env parsing to fill in
// directories that depend on the user's environment.
type Config struct {
	Registry               string `help:"Registry base URL." default:"https://registry.npmjs.org" env:"CANOPY_REGISTRY"`
	Token                  string `help:"Bearer token for registry/mirror authentication." env:"CANOPY_TOKEN"`
	StoreDir               string `help:"Content-addressable store directory. Defaults under the user cache dir." env:"CANOPY_STORE_DIR"`
	CacheDir               string `help:"Tarball and metadata cache directory. Defaults alongside the store." env:"CANOPY_CACHE_DIR"`
	Concurrency            int64  `help:"Maximum concurrent tarball downloads." default:"16" env:"CANOPY_CONCURRENCY"`
	Offline                bool   `help:"Never download tarballs; a package absent from the store and tarball cache is an offline miss. Registry metadata lookups are not affected." env:"CANOPY_OFFLINE"`
	PreferOffline          bool   `help:"Prefer cached metadata over a registry round trip when both are available." env:"CANOPY_PREFER_OFFLINE"`
	Frozen                 bool   `help:"Fail instead of resolving if the lockfile is missing or out of date." env:"CANOPY_FROZEN"`
	Production             bool   `help:"Skip devDependencies." env:"CANOPY_PRODUCTION"`
	AutoInstallPeers       bool   `help:"Resolve and install peerDependencies automatically." env:"CANOPY_AUTO_INSTALL_PEERS"`
	StrictPeerDependencies bool   `help:"Fail instead of warning when a peer dependency cannot be satisfied." env:"CANOPY_STRICT_PEER_DEPENDENCIES"`
	CacheBackend           string `help:"Metadata cache backend." default:"file" enum:"file,kv" env:"CANOPY_CACHE_BACKEND"`
	StoreBackend           string `help:"Tarball cache backend (fs or s3). The content-addressable store itself always lives on local disk: it hardlinks into module trees, which S3 cannot do." default:"fs" enum:"fs,s3" env:"CANOPY_STORE_BACKEND"`
	S3                     S3Flags `embed:"" prefix:"s3-"`
}

// S3Flags configures the optional S3-backed tarball cache, the same shape
// as the teacher's own S3Flags.
type S3Flags struct {
	Bucket          string `help:"S3 bucket name (required when store-backend=s3)." env:"CANOPY_S3_BUCKET"`
	Prefix          string `help:"S3 key prefix." env:"CANOPY_S3_PREFIX"`
	Region          string `help:"S3 region." default:"us-east-1" env:"CANOPY_S3_REGION"`
	Endpoint        string `help:"S3 endpoint URL (for MinIO/custom endpoints)." env:"CANOPY_S3_ENDPOINT"`
	AccessKeyID     string `help:"S3 access key ID (uses IAM role if not set)." env:"CANOPY_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `help:"S3 secret access key (uses IAM role if not set)." env:"CANOPY_S3_SECRET_ACCESS_KEY"`
	ForcePathStyle  bool   `help:"Use path-style S3 URLs (required for MinIO)." env:"CANOPY_S3_FORCE_PATH_STYLE"`
}

// Defaults fills StoreDir and CacheDir from the user cache directory when
// left unset, so a bare `canopy install` works with no configuration.
func (c *Config) Defaults() error {
	if c.StoreDir != "" && c.CacheDir != "" {
		return nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return fmt.Errorf("config: determine user cache dir: %w", err)
	}
	if c.StoreDir == "" {
		c.StoreDir = filepath.Join(base, "canopy", "store")
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(base, "canopy", "cache")
	}
	return nil
}
