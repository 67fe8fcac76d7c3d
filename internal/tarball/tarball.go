// Package tarball extracts npm-style package tarballs: gzip-compressed
// ustar archives with every entry prefixed by "package/". No third-party
// library in the retrieval pack wraps archive/tar for this narrow a need
// (datawire-ocibuild's pkg/dir builds OCI layers with it directly); stdlib
// archive/tar plus compress/gzip is the idiomatic choice here too.
package tarball

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const entryPrefix = "package/"

// Extract reads a gzip-compressed tarball from r and writes its contents
// under destDir, stripping the leading "package/" path component that npm
// tarballs always carry. Symlinks are rejected: a malicious or malformed
// tarball must not be able to escape destDir via a symlink pointing
// outside it.
func Extract(r io.Reader, destDir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("tarball: gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tarball: read entry: %w", err)
		}

		name := strings.TrimPrefix(header.Name, entryPrefix)
		if name == "" || name == "." {
			continue
		}
		target, err := safeJoin(destDir, name)
		if err != nil {
			return fmt.Errorf("tarball: %w", err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("tarball: mkdir %s: %w", target, err)
			}
		case tar.TypeReg, tar.TypeRegA:
			if err := extractFile(tr, target, header); err != nil {
				return err
			}
		case tar.TypeSymlink, tar.TypeLink:
			return fmt.Errorf("tarball: refusing to extract link entry %q", header.Name)
		default:
			// Skip device files, fifos, and anything else npm tarballs
			// have no business containing.
		}
	}
}

func extractFile(tr *tar.Reader, target string, header *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("tarball: mkdir %s: %w", filepath.Dir(target), err)
	}
	mode := fs.FileMode(header.Mode & 0o777)
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("tarball: create %s: %w", target, err)
	}
	if _, err := io.Copy(f, tr); err != nil {
		f.Close()
		return fmt.Errorf("tarball: write %s: %w", target, err)
	}
	return f.Close()
}

// safeJoin joins destDir and name, rejecting any entry whose path contains
// a ".." segment or is absolute — tarballs are untrusted input and must
// not be able to write outside destDir.
func safeJoin(destDir, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("entry %q has an absolute path", name)
	}
	for _, seg := range strings.Split(filepath.ToSlash(name), "/") {
		if seg == ".." {
			return "", fmt.Errorf("entry %q escapes extraction root", name)
		}
	}
	return filepath.Join(destDir, filepath.FromSlash(name)), nil
}
