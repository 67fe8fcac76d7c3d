// Package canopyerr defines the typed error taxonomy that the install
// pipeline reports through, so callers can errors.As/errors.Is their way to
// a specific failure category instead of grepping error strings.
package canopyerr

import "fmt"

// Kind classifies a pipeline failure.
type Kind string

const (
	KindNotFound               Kind = "not_found"
	KindNoSatisfyingVersion    Kind = "no_satisfying_version"
	KindNetworkFailure         Kind = "network_failure"
	KindHTTPError              Kind = "http_error"
	KindIntegrityMismatch      Kind = "integrity_mismatch"
	KindOfflineMiss            Kind = "offline_miss"
	KindLockfileSchemaMismatch Kind = "lockfile_schema_mismatch"
	KindLockfileOutOfDate      Kind = "lockfile_out_of_date"
	KindExtractionError        Kind = "extraction_error"
	KindLinkError              Kind = "link_error"
)

// Error is a typed pipeline error wrapping an underlying cause.
type Error struct {
	Kind    Kind
	Package string
	Version string
	Err     error
}

func (e *Error) Error() string {
	if e.Package != "" {
		if e.Version != "" {
			return fmt.Sprintf("%s: %s@%s: %v", e.Kind, e.Package, e.Version, e.Err)
		}
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Package, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, pkg, ver string, err error) *Error {
	return &Error{Kind: kind, Package: pkg, Version: ver, Err: err}
}

func NotFound(pkg string, err error) *Error {
	return New(KindNotFound, pkg, "", err)
}

func NoSatisfyingVersion(pkg, rangeText string, err error) *Error {
	return New(KindNoSatisfyingVersion, pkg, rangeText, err)
}

func NetworkFailure(pkg string, err error) *Error {
	return New(KindNetworkFailure, pkg, "", err)
}

func HTTPError(pkg string, status int) *Error {
	return New(KindHTTPError, pkg, "", fmt.Errorf("unexpected status %d", status))
}

func IntegrityMismatch(pkg, ver string, err error) *Error {
	return New(KindIntegrityMismatch, pkg, ver, err)
}

func OfflineMiss(pkg, ver string) *Error {
	return New(KindOfflineMiss, pkg, ver, fmt.Errorf("not present in local cache or store"))
}

func LockfileSchemaMismatch(err error) *Error {
	return New(KindLockfileSchemaMismatch, "", "", err)
}

func LockfileOutOfDate(err error) *Error {
	return New(KindLockfileOutOfDate, "", "", err)
}

func ExtractionError(pkg, ver string, err error) *Error {
	return New(KindExtractionError, pkg, ver, err)
}

func LinkError(pkg, ver string, err error) *Error {
	return New(KindLinkError, pkg, ver, err)
}

// Is allows errors.Is(err, canopyerr.Sentinel(kind)) style matching against
// a bare Kind, in addition to the usual errors.As(*Error) pattern.
func (e *Error) Is(target error) bool {
	if k, ok := target.(kindSentinel); ok {
		return e.Kind == Kind(k)
	}
	return false
}

type kindSentinel Kind

// Sentinel returns a comparison target for errors.Is against a Kind,
// without needing to unwrap to *Error first.
func Sentinel(k Kind) error { return kindSentinel(k) }

func (k kindSentinel) Error() string { return string(k) }
