package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/a-h/kv"
	"github.com/alecthomas/kong"

	"github.com/canopy-pm/canopy/internal/auth"
	"github.com/canopy-pm/canopy/internal/blobstore"
	"github.com/canopy-pm/canopy/internal/config"
	"github.com/canopy-pm/canopy/internal/fetcher"
	"github.com/canopy-pm/canopy/internal/install"
	"github.com/canopy-pm/canopy/internal/kvbackend"
	"github.com/canopy-pm/canopy/internal/linker"
	"github.com/canopy-pm/canopy/internal/lockfile"
	"github.com/canopy-pm/canopy/internal/manifest"
	"github.com/canopy-pm/canopy/internal/metacache"
	"github.com/canopy-pm/canopy/internal/metrics"
	"github.com/canopy-pm/canopy/internal/mirror"
	"github.com/canopy-pm/canopy/internal/registry"
	"github.com/canopy-pm/canopy/internal/resolver"
	"github.com/canopy-pm/canopy/internal/store"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Globals carries flags shared by every subcommand, matching the teacher's
// own cmd/globals.Globals.
type Globals struct {
	Verbose bool `help:"Enable verbose (debug) logging." short:"v"`
}

func newLogger(g *Globals) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if g.Verbose {
		opts.Level = slog.LevelDebug
	}
	if isTerminal(os.Stderr) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// CLI is canopy's top-level command tree. Per spec.md §1, only install,
// mirror, and version are in scope: the command dispatcher, prompts, run,
// self-update, link, and publish commands are not built.
type CLI struct {
	Globals
	config.Config

	Install InstallCmd `cmd:"" help:"Resolve, fetch, and link a project's dependencies."`
	Mirror  MirrorCmd  `cmd:"" help:"Serve the local store as a read-only registry mirror."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals, cfg *config.Config) error {
	fmt.Println(Version)
	return nil
}

// InstallCmd runs one pipeline pass: resolve (or read a frozen lockfile),
// fetch into the store, link into modules/, and write the lockfile.
type InstallCmd struct {
	ProjectDir string `arg:"" optional:"" help:"Project directory containing package.json." default:"."`
	ImportLock string `help:"Seed resolution hints from an existing npm package-lock.json." type:"path"`
}

func (c *InstallCmd) Run(g *Globals, cfg *config.Config) error {
	log := newLogger(g)
	if err := cfg.Defaults(); err != nil {
		return err
	}

	manifestPath := filepath.Join(c.ProjectDir, "package.json")
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("canopy: load %s: %w", manifestPath, err)
	}

	var preferredVersions map[string]string
	if c.ImportLock != "" {
		preferredVersions, err = loadImportLockHints(c.ImportLock)
		if err != nil {
			return err
		}
		log.Info("imported legacy lockfile hints", slog.String("path", c.ImportLock), slog.Int("packages", len(preferredVersions)))
	}

	if token := auth.NewToken(cfg.Token); !token.Empty() {
		if warning := token.ExpiryWarning(time.Now()); warning != "" {
			log.Warn(warning)
		}
	}

	met, err := metrics.New()
	if err != nil {
		return fmt.Errorf("canopy: init metrics: %w", err)
	}

	reg := registry.NewClient(cfg.Registry, auth.NewToken(cfg.Token), 5, log)

	st, err := store.New(cfg.StoreDir)
	if err != nil {
		return err
	}

	tarballCache, err := buildTarballCache(cfg)
	if err != nil {
		return err
	}

	metaCache, metaCacheCloser, err := buildMetadataCache(cfg, log)
	if err != nil {
		return err
	}
	if metaCacheCloser != nil {
		defer metaCacheCloser()
	}

	r := resolver.New(reg, metaCache, met, resolver.Options{
		Production:             cfg.Production,
		PreferOffline:          cfg.PreferOffline,
		AutoInstallPeers:       cfg.AutoInstallPeers,
		StrictPeerDependencies: cfg.StrictPeerDependencies,
		PreferredVersions:      preferredVersions,
	})
	f := fetcher.New(reg, st, tarballCache, cfg.Concurrency, cfg.Offline, met, log)
	l := linker.New(st, c.ProjectDir, met)
	lock := lockfile.New(filepath.Join(c.ProjectDir, "canopy-lock.json"))

	pipeline := install.New(r, f, l, lock, log)
	result, err := pipeline.Run(context.Background(), m, install.Options{
		Frozen:   cfg.Frozen,
		Resolver: r.Options,
	})
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		log.Warn(w)
	}
	log.Info("install complete", slog.Int("packages", len(result.Flat)), slog.Int("linked", result.Linked), slog.Int("binaries", result.Binaries), slog.Bool("fromLockfile", result.FromLock))
	return nil
}

// loadImportLockHints parses a legacy npm package-lock.json at path and
// reduces it to one preferred version per package name for --import-lock.
func loadImportLockHints(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("canopy: open %s: %w", path, err)
	}
	defer f.Close()
	flat, err := lockfile.ImportLegacy(f)
	if err != nil {
		return nil, fmt.Errorf("canopy: import %s: %w", path, err)
	}
	return lockfile.PreferredVersionsFromImport(flat), nil
}

// tarballCache is the subset of blobstore.Blobstore both the fetcher and
// the mirror need: a FileSystem or S3 cache of downloaded tarballs.
type tarballCache interface {
	fetcher.TarballCache
	mirror.Blobstore
}

func buildTarballCache(cfg *config.Config) (tarballCache, error) {
	switch cfg.StoreBackend {
	case "s3":
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("canopy: store-backend=s3 requires --s3-bucket")
		}
		return blobstore.NewS3(context.Background(), blobstore.S3Config{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
		})
	case "fs", "":
		return blobstore.NewFileSystem(cfg.CacheDir)
	default:
		return nil, fmt.Errorf("canopy: unknown store backend %q", cfg.StoreBackend)
	}
}

func buildMetadataCache(cfg *config.Config, log *slog.Logger) (resolver.MetadataCache, func(), error) {
	switch cfg.CacheBackend {
	case "kv":
		kvStore, closer, err := kvbackend.New(context.Background(), "sqlite", filepath.Join(cfg.CacheDir, "canopy.db"))
		if err != nil {
			return nil, nil, fmt.Errorf("canopy: open kv metadata cache: %w", err)
		}
		return metacache.NewKVCache(kvStore, 24*time.Hour), func() { _ = closer() }, nil
	case "file", "":
		fc, err := metacache.NewFileCache(filepath.Join(cfg.CacheDir, "metadata"), 24*time.Hour)
		if err != nil {
			return nil, nil, fmt.Errorf("canopy: open file metadata cache: %w", err)
		}
		return fc, nil, nil
	default:
		return nil, nil, fmt.Errorf("canopy: unknown cache backend %q", cfg.CacheBackend)
	}
}

// MirrorCmd starts a read-only HTTP server re-exposing the local store.
type MirrorCmd struct {
	ListenAddr        string `help:"Address to listen on." default:":8787" env:"CANOPY_MIRROR_LISTEN_ADDR"`
	MetricsListenAddr string `help:"Address for the Prometheus metrics endpoint." default:":9090" env:"CANOPY_MIRROR_METRICS_LISTEN_ADDR"`
	BaseURL           string `help:"This mirror's externally-reachable base URL, embedded in dist.tarball URLs it serves." env:"CANOPY_MIRROR_BASE_URL"`
	DatabaseType      string `help:"Access-log/download-counter database backend." default:"sqlite" enum:"sqlite,rqlite,postgres" env:"CANOPY_MIRROR_DATABASE_TYPE"`
	DatabaseURL       string `help:"Access-log/download-counter database URL." env:"CANOPY_MIRROR_DATABASE_URL"`
}

func (c *MirrorCmd) Run(g *Globals, cfg *config.Config) error {
	log := newLogger(g)
	if err := cfg.Defaults(); err != nil {
		return err
	}

	met, err := metrics.New()
	if err != nil {
		return fmt.Errorf("canopy: init metrics: %w", err)
	}
	go func() {
		if err := metrics.ListenAndServe(c.MetricsListenAddr); err != nil {
			log.Error("metrics server exited", slog.String("addr", c.MetricsListenAddr), slog.Any("error", err))
		}
	}()

	st, err := store.New(cfg.StoreDir)
	if err != nil {
		return err
	}
	cache, err := buildTarballCache(cfg)
	if err != nil {
		return err
	}

	var kvStore kv.Store
	if c.DatabaseURL != "" {
		kvs, closer, err := kvbackend.New(context.Background(), c.DatabaseType, c.DatabaseURL)
		if err != nil {
			return fmt.Errorf("canopy: open mirror database: %w", err)
		}
		defer closer()
		kvStore = kvs
	}

	srv := mirror.New(st, cache, kvStore, met, log, auth.NewToken(cfg.Token), c.BaseURL)
	defer srv.Close()

	log.Info("starting mirror", slog.String("addr", c.ListenAddr), slog.String("storeDir", cfg.StoreDir))
	return http.ListenAndServe(c.ListenAddr, srv.Handler())
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("canopy"),
		kong.Description("Resolve, fetch, and link npm-registry dependencies."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	err := ctx.Run(&cli.Globals, &cli.Config)
	ctx.FatalIfErrorf(err)
}
