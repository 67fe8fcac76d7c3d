// Package version implements the npm-registry flavor of semantic versioning:
// parsing, total ordering, and range satisfaction. The grammar and precedence
// rules mirror node-semver rather than the full SemVer 2.0.0 spec verbatim
// (in particular the "^0.0.x pins patch" caret rule and the prerelease
// matching policy are npm-specific).
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Identifier is a single dot-separated component of a prerelease sequence.
// It is either numeric (compared as an integer) or alphanumeric (compared
// lexically); numeric identifiers always sort lower than alphanumeric ones
// at the same position.
type Identifier struct {
	Text      string
	Numeric   int64
	IsNumeric bool
}

func (id Identifier) String() string { return id.Text }

// Version is a parsed (major, minor, patch) triple with an optional
// prerelease sequence and an optional build metadata sequence. Build
// metadata is carried for round-tripping but never affects ordering.
type Version struct {
	Major, Minor, Patch int64
	Pre                 []Identifier
	Build               []string
}

// HasPrerelease reports whether v carries a prerelease sequence.
func (v Version) HasPrerelease() bool { return len(v.Pre) > 0 }

// SameCore reports whether two versions share the same major.minor.patch.
func (v Version) SameCore(o Version) bool {
	return v.Major == o.Major && v.Minor == o.Minor && v.Patch == o.Patch
}

func (v Version) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d.%d.%d", v.Major, v.Minor, v.Patch)
	if len(v.Pre) > 0 {
		b.WriteByte('-')
		for i, id := range v.Pre {
			if i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(id.Text)
		}
	}
	if len(v.Build) > 0 {
		b.WriteByte('+')
		b.WriteString(strings.Join(v.Build, "."))
	}
	return b.String()
}

// Parse parses a strict "major.minor.patch[-prerelease][+build]" version,
// tolerating an optional leading "v".
func Parse(text string) (Version, error) {
	return parse(text, false)
}

// parseLoose parses a version allowing a partial core ("1" or "1.2"),
// zero-filling the missing components. Used when expanding range sugar and
// when resolving hyphen-range endpoints, per spec.md 4.1 "loose parsing".
func parseLoose(text string) (Version, error) {
	return parse(text, true)
}

func parse(text string, loose bool) (Version, error) {
	original := text
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "v")
	s = strings.TrimPrefix(s, "V")
	if s == "" {
		return Version{}, fmt.Errorf("version: empty version string")
	}

	var build []string
	if i := strings.IndexByte(s, '+'); i >= 0 {
		buildStr := s[i+1:]
		s = s[:i]
		if buildStr == "" {
			return Version{}, fmt.Errorf("version: empty build metadata in %q", original)
		}
		build = strings.Split(buildStr, ".")
	}

	var pre []Identifier
	if i := strings.IndexByte(s, '-'); i >= 0 {
		prereleaseStr := s[i+1:]
		s = s[:i]
		if prereleaseStr == "" {
			return Version{}, fmt.Errorf("version: empty prerelease in %q", original)
		}
		for _, part := range strings.Split(prereleaseStr, ".") {
			if part == "" {
				return Version{}, fmt.Errorf("version: empty prerelease identifier in %q", original)
			}
			pre = append(pre, parseIdentifier(part))
		}
	}

	parts := strings.Split(s, ".")
	if len(parts) == 0 || len(parts) > 3 {
		return Version{}, fmt.Errorf("version: invalid core %q", original)
	}
	if !loose && len(parts) != 3 {
		return Version{}, fmt.Errorf("version: strict parse requires major.minor.patch, got %q", original)
	}

	var nums [3]int64
	for i, p := range parts {
		if p == "" {
			return Version{}, fmt.Errorf("version: empty numeric component in %q", original)
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("version: invalid numeric component %q in %q", p, original)
		}
		nums[i] = n
	}

	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2], Pre: pre, Build: build}, nil
}

func parseIdentifier(s string) Identifier {
	if isDigits(s) {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Identifier{Text: s, Numeric: n, IsNumeric: true}
		}
	}
	return Identifier{Text: s}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Compare returns -1, 0, or 1 as a orders before, same as, or after b. It
// implements a total order: core triple first, then prerelease precedence
// (a version without a prerelease outranks the same triple with one), then
// identifier-by-identifier prerelease comparison. Build metadata is ignored.
func Compare(a, b Version) int {
	if c := cmpInt(a.Major, b.Major); c != 0 {
		return c
	}
	if c := cmpInt(a.Minor, b.Minor); c != 0 {
		return c
	}
	if c := cmpInt(a.Patch, b.Patch); c != 0 {
		return c
	}
	return comparePrerelease(a.Pre, b.Pre)
}

func comparePrerelease(a, b []Identifier) int {
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0
	case len(a) == 0:
		return 1
	case len(b) == 0:
		return -1
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := compareIdentifier(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmpInt(int64(len(a)), int64(len(b)))
}

func compareIdentifier(a, b Identifier) int {
	switch {
	case a.IsNumeric && b.IsNumeric:
		return cmpInt(a.Numeric, b.Numeric)
	case a.IsNumeric && !b.IsNumeric:
		return -1
	case !a.IsNumeric && b.IsNumeric:
		return 1
	default:
		switch {
		case a.Text < b.Text:
			return -1
		case a.Text > b.Text:
			return 1
		default:
			return 0
		}
	}
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts strictly before b, for use with sort.Slice.
func Less(a, b Version) bool { return Compare(a, b) < 0 }
