package mirror

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/canopy-pm/canopy/internal/auth"
	"github.com/canopy-pm/canopy/internal/registry"
	"github.com/canopy-pm/canopy/internal/store"
)

func tarballWithPackageJSON(t *testing.T, name string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte(`{"name":"` + name + `","dependencies":{"left-pad":"^1.0.0"}}`)
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

func seedStore(t *testing.T, st *store.Store, name, ver string) {
	t.Helper()
	key := store.Key(name, ver, "")
	if err := st.Extract(key, tarballWithPackageJSON(t, name)); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if err := st.WriteMeta(key, store.Meta{Name: name, Version: ver, FetchedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}
}

func TestHandleMetadataAssemblesDocumentFromStore(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	seedStore(t, st, "pkg", "1.0.0")
	seedStore(t, st, "pkg", "2.0.0")

	s := New(st, nil, nil, nil, nil, auth.NewToken(""), "http://mirror.local")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/pkg")
	if err != nil {
		t.Fatalf("GET /pkg: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var doc registry.AbbreviatedDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(doc.Versions))
	}
	if doc.DistTags["latest"] != "2.0.0" {
		t.Fatalf("expected latest dist-tag 2.0.0, got %q", doc.DistTags["latest"])
	}
	if doc.Versions["1.0.0"].Dependencies["left-pad"] != "^1.0.0" {
		t.Fatalf("expected dependencies read back from the stored package.json")
	}
}

func TestHandleMetadataNotFound(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	s := New(st, nil, nil, nil, nil, auth.NewToken(""), "")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/missing")
	if err != nil {
		t.Fatalf("GET /missing: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	s := New(st, nil, nil, nil, nil, auth.NewToken("secret"), "")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/pkg")
	if err != nil {
		t.Fatalf("GET /pkg: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", resp.StatusCode)
	}
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	seedStore(t, st, "pkg", "1.0.0")
	s := New(st, nil, nil, nil, nil, auth.NewToken("secret"), "")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/pkg", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /pkg: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with a valid bearer token, got %d", resp.StatusCode)
	}
}
