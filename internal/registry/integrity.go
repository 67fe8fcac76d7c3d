package registry

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"io"
	"strings"
)

// Algorithm is a Subresource Integrity hash algorithm, restricted to the
// ones the npm registry actually emits in a Dist.Integrity string.
type Algorithm string

const (
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

// Integrity is a parsed "algo-base64digest" SRI string.
type Integrity struct {
	Algorithm Algorithm
	Digest    []byte
}

func (i Integrity) String() string {
	return fmt.Sprintf("%s-%s", i.Algorithm, base64.StdEncoding.EncodeToString(i.Digest))
}

// ParseIntegrity parses an SRI string such as "sha512-<base64>". Multiple
// space-separated entries (the browser SRI grammar allows this) are
// rejected; the registry always emits exactly one.
func ParseIntegrity(s string) (Integrity, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return Integrity{}, fmt.Errorf("registry: invalid integrity string %q", s)
	}
	algo := Algorithm(parts[0])
	if _, err := newHasher(algo); err != nil {
		return Integrity{}, err
	}
	digest, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return Integrity{}, fmt.Errorf("registry: invalid integrity digest in %q: %w", s, err)
	}
	return Integrity{Algorithm: algo, Digest: digest}, nil
}

func newHasher(algorithm Algorithm) (hash.Hash, error) {
	switch algorithm {
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("registry: unsupported integrity algorithm %q", algorithm)
	}
}

// Verify hashes data with i's algorithm and reports whether it matches i's
// digest.
func (i Integrity) Verify(data []byte) bool {
	h, err := newHasher(i.Algorithm)
	if err != nil {
		return false
	}
	h.Write(data)
	return hashEqual(h.Sum(nil), i.Digest)
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// VerifyingReader wraps an io.Reader, hashing bytes as they are read so a
// tarball download can be verified without buffering it twice. Call Check
// once the underlying reader has been fully drained.
type VerifyingReader struct {
	r    io.Reader
	h    hash.Hash
	want Integrity
}

// NewVerifyingReader returns a VerifyingReader that hashes r with want's
// algorithm as it is read.
func NewVerifyingReader(r io.Reader, want Integrity) (*VerifyingReader, error) {
	h, err := newHasher(want.Algorithm)
	if err != nil {
		return nil, err
	}
	return &VerifyingReader{r: r, h: h, want: want}, nil
}

func (v *VerifyingReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		v.h.Write(p[:n])
	}
	return n, err
}

// Check reports whether the bytes read so far match the expected digest.
// It must be called only after the underlying reader has returned io.EOF.
func (v *VerifyingReader) Check() error {
	if !hashEqual(v.h.Sum(nil), v.want.Digest) {
		return fmt.Errorf("registry: integrity mismatch: expected %s", v.want.String())
	}
	return nil
}
