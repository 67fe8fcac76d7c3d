// Package blobstore abstracts the backend of the downloaded-tarball cache
// that sits in front of internal/store: local disk by default, or S3 for
// ephemeral CI containers that want a shared tarball cache without a shared
// filesystem. The extracted store itself always lives on local disk.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Blobstore reads and writes named blobs. Get and Put both return/accept
// streams so large tarballs never need to be buffered in memory.
type Blobstore interface {
	Stat(ctx context.Context, name string) (size int64, exists bool, err error)
	Get(ctx context.Context, name string) (r io.ReadCloser, exists bool, err error)
	Put(ctx context.Context, name string) (w io.WriteCloser, err error)
	Remove(ctx context.Context, name string) error
}

// FileSystem is the default Blobstore: a directory on local disk.
type FileSystem struct {
	basePath string
}

// NewFileSystem roots a FileSystem blobstore at basePath, creating it if
// necessary.
func NewFileSystem(basePath string) (*FileSystem, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: mkdir %s: %w", basePath, err)
	}
	return &FileSystem{basePath: basePath}, nil
}

func (f *FileSystem) path(name string) string {
	return filepath.Join(f.basePath, filepath.FromSlash(name))
}

func (f *FileSystem) Stat(_ context.Context, name string) (int64, bool, error) {
	info, err := os.Stat(f.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return info.Size(), true, nil
}

func (f *FileSystem) Get(_ context.Context, name string) (io.ReadCloser, bool, error) {
	file, err := os.Open(f.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return file, true, nil
}

// Put writes through a temp file and renames into place atomically, so a
// reader can never observe a partially written blob.
func (f *FileSystem) Put(_ context.Context, name string) (io.WriteCloser, error) {
	target := f.path(name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: mkdir %s: %w", filepath.Dir(target), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("blobstore: create temp file: %w", err)
	}
	return &atomicWriteCloser{tmp: tmp, target: target}, nil
}

func (f *FileSystem) Remove(_ context.Context, name string) error {
	err := os.Remove(f.path(name))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

type atomicWriteCloser struct {
	tmp    *os.File
	target string
}

func (a *atomicWriteCloser) Write(p []byte) (int, error) { return a.tmp.Write(p) }

func (a *atomicWriteCloser) Close() error {
	if err := a.tmp.Close(); err != nil {
		os.Remove(a.tmp.Name())
		return err
	}
	if err := os.Rename(a.tmp.Name(), a.target); err != nil {
		os.Remove(a.tmp.Name())
		return fmt.Errorf("blobstore: rename into place: %w", err)
	}
	return nil
}
