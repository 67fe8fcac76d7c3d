// Package fetcher downloads resolved package tarballs under a bounded
// concurrency cap, verifies their integrity, extracts them into the
// content-addressable store, and caches the raw bytes of verified
// downloads.
package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/canopy-pm/canopy/internal/canopyerr"
	"github.com/canopy-pm/canopy/internal/metrics"
	"github.com/canopy-pm/canopy/internal/registry"
	"github.com/canopy-pm/canopy/internal/resolver"
	"github.com/canopy-pm/canopy/internal/store"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// TarballCache caches raw tarball bytes between installs, keyed by
// cachePath ("tarballs/<safeName>-<version>.tgz"), so a reinstall after
// `rm -rf node_modules` never re-downloads.
// internal/blobstore.Blobstore satisfies this.
type TarballCache interface {
	Get(ctx context.Context, name string) (io.ReadCloser, bool, error)
	Put(ctx context.Context, name string) (io.WriteCloser, error)
}

// Fetcher downloads and materializes resolved packages into the store.
type Fetcher struct {
	Registry    *registry.Client
	Store       *store.Store
	Cache       TarballCache
	Concurrency int64
	Offline     bool
	Metrics     *metrics.Metrics
	Log         *slog.Logger

	sem *semaphore.Weighted
}

// New builds a Fetcher. Concurrency bounds how many packages are fetched in
// parallel; each slot is held for the whole fetch of one package, from the
// cache lookup through download, integrity check, and extraction.
func New(client *registry.Client, st *store.Store, cache TarballCache, concurrency int64, offline bool, m *metrics.Metrics, log *slog.Logger) *Fetcher {
	if concurrency <= 0 {
		concurrency = 16
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{
		Registry:    client,
		Store:       st,
		Cache:       cache,
		Concurrency: concurrency,
		Offline:     offline,
		Metrics:     m,
		Log:         log,
		sem:         semaphore.NewWeighted(concurrency),
	}
}

// fetchResult carries one package's outcome back to FetchAll: an optional
// package's failure becomes a warning instead of a fatal error, the same
// demotion spec.md 4.7/7 requires of the resolver for optional dependency
// failures.
type fetchResult struct {
	err     error
	warning string
}

// FetchAll materializes every resolved package into the store, bounded by
// the fetcher's concurrency cap. The first failure of a non-optional
// package cancels the remaining in-flight fetches; a failure on an
// optional package is recorded as a warning and never cancels its peers.
func (f *Fetcher) FetchAll(ctx context.Context, packages []*resolver.ResolvedPackage) ([]string, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	results := make(chan fetchResult, len(packages))
	for _, pkg := range packages {
		pkg := pkg
		if err := f.sem.Acquire(ctx, 1); err != nil {
			results <- fetchResult{err: err}
			continue
		}
		go func() {
			defer f.sem.Release(1)
			err := f.fetchOne(ctx, pkg)
			if err == nil {
				results <- fetchResult{}
				return
			}
			if pkg.Optional {
				results <- fetchResult{warning: fmt.Sprintf("skipping optional dependency %s@%s: %v", pkg.Name, pkg.Version.String(), err)}
				return
			}
			cancel(err)
			results <- fetchResult{err: err}
		}()
	}

	var firstErr error
	var warnings []string
	for range packages {
		res := <-results
		if res.warning != "" {
			warnings = append(warnings, res.warning)
		}
		if res.err != nil && firstErr == nil {
			firstErr = res.err
		}
	}
	return warnings, firstErr
}

// storeKey is the content-addressable key a resolved package occupies in
// the store: it depends only on name, version, and integrity, so every
// caller derives it the same way instead of threading it through
// ResolvedPackage.
func storeKey(pkg *resolver.ResolvedPackage) string {
	return store.Key(pkg.Name, pkg.Version.String(), pkg.Integrity)
}

// cachePath is the tarball cache's on-disk/blobstore path for a resolved
// package, per spec.md's <cacheRoot>/tarballs/<safeName>-<version>.tgz
// layout.
func cachePath(pkg *resolver.ResolvedPackage) string {
	safeName := unsafeNameChars.ReplaceAllString(pkg.Name, "+")
	return fmt.Sprintf("tarballs/%s-%s.tgz", safeName, pkg.Version.String())
}

func (f *Fetcher) fetchOne(ctx context.Context, pkg *resolver.ResolvedPackage) error {
	key := storeKey(pkg)
	if f.Store.IsComplete(key) {
		return nil
	}

	if data, ok, err := f.readCache(ctx, pkg); err != nil {
		return err
	} else if ok {
		if f.Metrics != nil {
			f.Metrics.FetchCacheHit(ctx)
		}
		return f.verifyAndExtract(ctx, pkg, key, data)
	}

	if f.Offline {
		return canopyerr.OfflineMiss(pkg.Name, pkg.Version.String())
	}

	data, err := f.download(ctx, pkg)
	if err != nil {
		return err
	}
	if f.Metrics != nil {
		f.Metrics.FetchDownload(ctx, int64(len(data)))
	}
	if err := f.verifyAndExtract(ctx, pkg, key, data); err != nil {
		return err
	}
	if err := f.writeCache(ctx, pkg, data); err != nil {
		f.Log.Warn("failed to populate tarball cache", slog.String("package", pkg.Name), slog.Any("error", err))
	}
	return nil
}

func (f *Fetcher) readCache(ctx context.Context, pkg *resolver.ResolvedPackage) ([]byte, bool, error) {
	if f.Cache == nil {
		return nil, false, nil
	}
	r, ok, err := f.Cache.Get(ctx, cachePath(pkg))
	if err != nil || !ok {
		return nil, false, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (f *Fetcher) writeCache(ctx context.Context, pkg *resolver.ResolvedPackage, data []byte) error {
	if f.Cache == nil {
		return nil
	}
	w, err := f.Cache.Put(ctx, cachePath(pkg))
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (f *Fetcher) download(ctx context.Context, pkg *resolver.ResolvedPackage) ([]byte, error) {
	resp, err := f.Registry.FetchTarball(ctx, pkg.Tarball)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, canopyerr.NetworkFailure(pkg.Name, err)
	}
	return buf.Bytes(), nil
}

func (f *Fetcher) verifyAndExtract(ctx context.Context, pkg *resolver.ResolvedPackage, key string, data []byte) error {
	if pkg.Integrity != "" {
		want, err := registry.ParseIntegrity(pkg.Integrity)
		if err != nil {
			return canopyerr.IntegrityMismatch(pkg.Name, pkg.Version.String(), err)
		}
		if !want.Verify(data) {
			if f.Metrics != nil {
				f.Metrics.IntegrityFailure(ctx)
			}
			return canopyerr.IntegrityMismatch(pkg.Name, pkg.Version.String(), fmt.Errorf("tarball did not match %s", pkg.Integrity))
		}
	}
	if err := f.Store.Extract(key, bytes.NewReader(data)); err != nil {
		return err
	}
	return f.Store.WriteMeta(key, store.Meta{
		Name:      pkg.Name,
		Version:   pkg.Version.String(),
		Integrity: pkg.Integrity,
		Tarball:   pkg.Tarball,
		FetchedAt: time.Now().UTC(),
	})
}
