package fetcher

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/canopy-pm/canopy/internal/auth"
	"github.com/canopy-pm/canopy/internal/registry"
	"github.com/canopy-pm/canopy/internal/resolver"
	"github.com/canopy-pm/canopy/internal/store"
	"github.com/canopy-pm/canopy/internal/version"
)

func tarballBytes(t *testing.T, name string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte(`{"name":"` + name + `"}`)
	if err := tw.WriteHeader(&tar.Header{Name: "package/package.json", Mode: 0o644, Size: int64(len(body))}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatalf("Write: %v", err)
	}
	tw.Close()
	gz.Close()
	return &buf
}

func mustVersion(t *testing.T, s string) version.Version {
	t.Helper()
	v, err := version.Parse(s)
	if err != nil {
		t.Fatalf("version.Parse(%q): %v", s, err)
	}
	return v
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return st
}

func tarballHandler(t *testing.T, name string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		buf := tarballBytes(t, name)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(buf.Bytes())
	}
}

func TestFetchAllDownloadsAndExtractsRequiredPackage(t *testing.T) {
	srv := httptest.NewServer(tarballHandler(t, "left-pad"))
	defer srv.Close()

	st := newStore(t)
	reg := registry.NewClient("", auth.NewToken(""), 1, nil)
	f := New(reg, st, nil, 4, false, nil, nil)

	pkg := &resolver.ResolvedPackage{Name: "left-pad", Version: mustVersion(t, "1.0.0"), Tarball: srv.URL}
	warnings, err := f.FetchAll(context.Background(), []*resolver.ResolvedPackage{pkg})
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
	if !st.IsComplete(store.Key("left-pad", "1.0.0", "")) {
		t.Fatalf("expected left-pad extracted into the store")
	}
}

func TestFetchAllRequiredPackageFailurePropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	st := newStore(t)
	reg := registry.NewClient("", auth.NewToken(""), 1, nil)
	f := New(reg, st, nil, 4, false, nil, nil)

	pkg := &resolver.ResolvedPackage{Name: "missing", Version: mustVersion(t, "1.0.0"), Tarball: srv.URL}
	if _, err := f.FetchAll(context.Background(), []*resolver.ResolvedPackage{pkg}); err == nil {
		t.Fatalf("expected a required package's download failure to propagate")
	}
}

func TestFetchAllOptionalPackageFailureBecomesWarning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	st := newStore(t)
	reg := registry.NewClient("", auth.NewToken(""), 1, nil)
	f := New(reg, st, nil, 4, false, nil, nil)

	pkg := &resolver.ResolvedPackage{Name: "fsevents", Version: mustVersion(t, "1.0.0"), Tarball: srv.URL, Optional: true}
	warnings, err := f.FetchAll(context.Background(), []*resolver.ResolvedPackage{pkg})
	if err != nil {
		t.Fatalf("expected an optional package's download failure to be swallowed, got: %v", err)
	}
	if len(warnings) == 0 {
		t.Fatalf("expected a warning about the failed optional package")
	}
}

func TestFetchAllOptionalFailureDoesNotCancelOthers(t *testing.T) {
	okSrv := httptest.NewServer(tarballHandler(t, "left-pad"))
	defer okSrv.Close()
	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer failSrv.Close()

	st := newStore(t)
	reg := registry.NewClient("", auth.NewToken(""), 1, nil)
	f := New(reg, st, nil, 4, false, nil, nil)

	ok := &resolver.ResolvedPackage{Name: "left-pad", Version: mustVersion(t, "1.0.0"), Tarball: okSrv.URL}
	optionalFail := &resolver.ResolvedPackage{Name: "fsevents", Version: mustVersion(t, "1.0.0"), Tarball: failSrv.URL, Optional: true}
	warnings, err := f.FetchAll(context.Background(), []*resolver.ResolvedPackage{ok, optionalFail})
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected exactly 1 warning, got %v", warnings)
	}
	if !st.IsComplete(store.Key("left-pad", "1.0.0", "")) {
		t.Fatalf("expected the required package to still be fetched despite the optional failure")
	}
}

func TestFetchAllOfflineMissOnOptionalBecomesWarning(t *testing.T) {
	st := newStore(t)
	f := New(nil, st, nil, 4, true, nil, nil)

	pkg := &resolver.ResolvedPackage{Name: "fsevents", Version: mustVersion(t, "1.0.0"), Tarball: "https://registry.example/fsevents.tgz", Optional: true}
	warnings, err := f.FetchAll(context.Background(), []*resolver.ResolvedPackage{pkg})
	if err != nil {
		t.Fatalf("expected an offline miss on an optional package to be swallowed, got: %v", err)
	}
	if len(warnings) == 0 {
		t.Fatalf("expected a warning about the offline miss")
	}
}
