// Package mirror serves the local content-addressable store's cached
// packages back out over HTTP, the read-only inverse of a registry: other
// canopy instances on a LAN or CI fleet can point registry.baseURL at a
// mirror and transparently share one machine's downloads.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/a-h/kv"

	"github.com/canopy-pm/canopy/internal/auth"
	"github.com/canopy-pm/canopy/internal/manifest"
	"github.com/canopy-pm/canopy/internal/metrics"
	"github.com/canopy-pm/canopy/internal/registry"
	"github.com/canopy-pm/canopy/internal/store"
	"github.com/canopy-pm/canopy/internal/version"
)

// unsafeNameChars mirrors internal/fetcher's own sanitization so a tarball
// cached under a given name/version lands at the same cache path whichever
// side computed it.
var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// Server serves metadata and tarballs out of a Store and tarball cache.
type Server struct {
	Store   *store.Store
	Cache   Blobstore
	Metrics *metrics.Metrics
	Log     *slog.Logger
	Token   auth.Token
	// BaseURL is this mirror's own externally-reachable address, used to
	// build the absolute dist.tarball URLs a registry.Client will later
	// fetch from. E.g. "http://mirror.lan:8787".
	BaseURL string

	accessLog       *AccessLog
	downloadEvents  chan<- DownloadEvent
	shutdownCounter func()
}

// Blobstore is the subset of internal/blobstore.Blobstore the mirror needs
// to read cached tarball bytes back out.
type Blobstore interface {
	Get(ctx context.Context, name string) (r io.ReadCloser, exists bool, err error)
}

// New builds a Server. kvStore backs the access log and download counter;
// passing a nil kvStore disables both (metadata and tarball serving still
// work, just unaudited).
func New(st *store.Store, cache Blobstore, kvStore kv.Store, m *metrics.Metrics, log *slog.Logger, token auth.Token, baseURL string) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{Store: st, Cache: cache, Metrics: m, Log: log, Token: token, BaseURL: strings.TrimSuffix(baseURL, "/")}
	if kvStore != nil {
		s.accessLog = NewAccessLog(kvStore)
		s.downloadEvents, s.shutdownCounter = newBufferedDownloadCounter(context.Background(), log, kvStore, 256)
	}
	return s
}

// Close drains the download counter, if one is running.
func (s *Server) Close() {
	if s.shutdownCounter != nil {
		s.shutdownCounter()
	}
}

// Handler builds the full middleware-wrapped mux: auth -> request logging
// -> routes, matching the teacher's outside-in wrapping order in
// routes/mux.go. Access-log entries are recorded by the route handlers
// themselves, not by a middleware layer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{name}/-/{file}", s.handleTarball)
	mux.HandleFunc("GET /{name...}", s.handleMetadata)

	var h http.Handler = mux
	h = newLoggingHandler(s.Log, h)
	h = newAuthMiddleware(s.Log, s.Token, h)
	return h
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(r.PathValue("name"), "/")
	if name == "" {
		http.Error(w, "package name required", http.StatusBadRequest)
		return
	}
	doc, ok, err := s.buildDocument(r.Context(), name)
	if err != nil {
		s.Log.Error("mirror: build metadata document", slog.String("package", name), slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if s.Metrics != nil {
		s.Metrics.MirrorMetadataServed(r.Context())
	}
	if s.accessLog != nil {
		_ = s.accessLog.Read(r.Context(), name)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

func (s *Server) handleTarball(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(r.PathValue("name"), "/")
	file := r.PathValue("file")
	if name == "" || file == "" {
		http.Error(w, "package name and file required", http.StatusBadRequest)
		return
	}
	if s.Cache == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	rc, ok, err := s.Cache.Get(r.Context(), filepath.ToSlash(filepath.Join("tarballs", file)))
	if err != nil {
		s.Log.Error("mirror: read tarball cache", slog.String("file", file), slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer rc.Close()

	if s.Metrics != nil {
		s.Metrics.MirrorTarballServed(r.Context())
	}
	if s.accessLog != nil {
		_ = s.accessLog.Read(r.Context(), file)
	}
	if s.downloadEvents != nil {
		select {
		case s.downloadEvents <- DownloadEvent{Name: name}:
		default:
			s.Log.Warn("download counter buffer full, dropping event", slog.String("package", name))
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		s.Log.Warn("mirror: write tarball response", slog.String("file", file), slog.Any("error", err))
	}
}

// buildDocument assembles an AbbreviatedDocument from every store entry
// whose recorded name matches, reading each version's package manifest
// back out of the store for its dependency graph.
func (s *Server) buildDocument(ctx context.Context, name string) (*registry.AbbreviatedDocument, bool, error) {
	keys, err := s.Store.List()
	if err != nil {
		return nil, false, fmt.Errorf("mirror: list store: %w", err)
	}

	doc := &registry.AbbreviatedDocument{
		Name:     name,
		Modified: time.Time{},
		DistTags: map[string]string{},
		Versions: map[string]registry.VersionRecord{},
	}

	var latest version.Version
	haveLatest := false
	for _, key := range keys {
		meta, err := s.Store.ReadMeta(key)
		if err != nil || meta.Name != name {
			continue
		}
		man, err := manifest.Load(filepath.Join(s.Store.Path(key), "package.json"))
		if err != nil {
			s.Log.Warn("mirror: read package.json from store", slog.String("key", key), slog.Any("error", err))
			continue
		}
		doc.Versions[meta.Version] = registry.VersionRecord{
			Name:                 name,
			Version:              meta.Version,
			Dist:                 &registry.Dist{Integrity: meta.Integrity, Tarball: s.tarballURL(name, meta.Version)},
			Dependencies:         man.Dependencies,
			OptionalDependencies: man.OptionalDependencies,
			DevDependencies:      man.DevDependencies,
			PeerDependencies:     man.PeerDependencies,
		}
		if meta.FetchedAt.After(doc.Modified) {
			doc.Modified = meta.FetchedAt
		}
		if v, err := version.Parse(meta.Version); err == nil {
			if !haveLatest || version.Less(latest, v) {
				latest, haveLatest = v, true
			}
		}
	}
	if len(doc.Versions) == 0 {
		return nil, false, nil
	}
	if haveLatest {
		doc.DistTags["latest"] = latest.String()
	}
	return doc, true, nil
}

func mirrorTarballName(name, ver string) string {
	return fmt.Sprintf("%s-%s.tgz", unsafeNameChars.ReplaceAllString(name, "+"), ver)
}

func (s *Server) tarballURL(name, ver string) string {
	return fmt.Sprintf("%s/%s/-/%s", s.BaseURL, name, mirrorTarballName(name, ver))
}
