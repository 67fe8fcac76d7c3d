package version

import "testing"

func TestParse(t *testing.T) {
	v, err := Parse("1.2.3-beta.2+build.5")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if v.Major != 1 || v.Minor != 2 || v.Patch != 3 {
		t.Fatalf("core mismatch: %+v", v)
	}
	if len(v.Pre) != 2 || v.Pre[0].Text != "beta" || !v.Pre[1].IsNumeric || v.Pre[1].Numeric != 2 {
		t.Fatalf("prerelease mismatch: %+v", v.Pre)
	}
	if len(v.Build) != 2 || v.Build[0] != "build" || v.Build[1] != "5" {
		t.Fatalf("build mismatch: %+v", v.Build)
	}
}

func TestParseRejectsPartialInStrictMode(t *testing.T) {
	if _, err := Parse("1.2"); err == nil {
		t.Fatalf("expected error for partial version in strict Parse")
	}
}

func TestParseLooseZeroFills(t *testing.T) {
	v, err := parseLoose("1")
	if err != nil {
		t.Fatalf("parseLoose returned error: %v", err)
	}
	if v.Major != 1 || v.Minor != 0 || v.Patch != 0 {
		t.Fatalf("expected zero-filled 1.0.0, got %+v", v)
	}
}

func TestCompareOrdering(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "2.0.0", -1},
		{"2.0.0", "1.0.0", 1},
		{"1.2.3", "1.2.3", 0},
		{"1.2.3-alpha", "1.2.3", -1},
		{"1.2.3", "1.2.3-alpha", 1},
		{"1.2.3-alpha", "1.2.3-alpha.1", -1},
		{"1.2.3-alpha.1", "1.2.3-alpha.beta", -1},
		{"1.2.3-alpha.beta", "1.2.3-beta", -1},
		{"1.2.3-beta.2", "1.2.3-beta.11", -1},
		{"1.2.3-beta.11", "1.2.3-rc.1", -1},
	}
	for _, c := range cases {
		a, err := Parse(c.a)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.a, err)
		}
		b, err := Parse(c.b)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.b, err)
		}
		if got := Compare(a, b); got != c.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestSatisfiesCaret(t *testing.T) {
	r := ParseRange("^1.0.0")
	mustSatisfy(t, r, "1.2.3", true)
	mustSatisfy(t, r, "2.0.0", false)
}

func TestSatisfiesCaretZeroMinor(t *testing.T) {
	r := ParseRange("^0.2.3")
	mustSatisfy(t, r, "0.2.5", true)
	mustSatisfy(t, r, "0.3.0", false)
}

func TestSatisfiesCaretZeroZero(t *testing.T) {
	r := ParseRange("^0.0.3")
	mustSatisfy(t, r, "0.0.3", true)
	mustSatisfy(t, r, "0.0.4", false)
}

func TestSatisfiesTilde(t *testing.T) {
	r := ParseRange("~1.2.0")
	mustSatisfy(t, r, "1.2.5", true)
	mustSatisfy(t, r, "1.3.0", false)
}

func TestSatisfiesHyphenRange(t *testing.T) {
	r := ParseRange("1.2.3 - 2.3.4")
	mustSatisfy(t, r, "1.2.3", true)
	mustSatisfy(t, r, "2.3.4", true)
	mustSatisfy(t, r, "2.3.5", false)
}

func TestSatisfiesOrClauses(t *testing.T) {
	r := ParseRange("1.2.3 || >=2.5.0 <3.0.0")
	mustSatisfy(t, r, "2.6.0", true)
	mustSatisfy(t, r, "3.0.0", false)
}

func TestSatisfiesPrereleaseVisibility(t *testing.T) {
	mustSatisfy(t, ParseRange("^1.0.0"), "1.2.3-rc.1", false)
	mustSatisfy(t, ParseRange(">=1.2.3-rc.0 <1.2.4"), "1.2.3-rc.1", true)
}

func TestSatisfiesWildcardRejectsPrerelease(t *testing.T) {
	mustSatisfy(t, ParseRange("*"), "1.0.0", true)
	mustSatisfy(t, ParseRange("*"), "1.0.0-alpha", false)
}

func TestParseRangeInvalidMatchesNothing(t *testing.T) {
	r := ParseRange("not-a-range ???")
	mustSatisfy(t, r, "1.0.0", false)
}

func TestMaxSatisfying(t *testing.T) {
	versions := mustParseAll(t, "1.0.0", "1.2.0", "1.2.5", "2.0.0")
	best, ok := MaxSatisfying(versions, ParseRange("~1.2.0"))
	if !ok {
		t.Fatalf("expected a match")
	}
	if best.String() != "1.2.5" {
		t.Fatalf("expected 1.2.5, got %s", best.String())
	}
}

func mustSatisfy(t *testing.T, r Range, versionText string, want bool) {
	t.Helper()
	v, err := Parse(versionText)
	if err != nil {
		t.Fatalf("Parse(%q): %v", versionText, err)
	}
	if got := Satisfies(v, r); got != want {
		t.Errorf("Satisfies(%q, %q) = %v, want %v", versionText, r.String(), got, want)
	}
}

func mustParseAll(t *testing.T, texts ...string) []Version {
	t.Helper()
	out := make([]Version, 0, len(texts))
	for _, text := range texts {
		v, err := Parse(text)
		if err != nil {
			t.Fatalf("Parse(%q): %v", text, err)
		}
		out = append(out, v)
	}
	return out
}
