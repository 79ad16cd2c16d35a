package pathresolve

import "testing"

func TestResolveNoPolicy(t *testing.T) {
	r := New(Policy{})
	perm, store := r.Resolve("/a/b/c")
	if perm != "a/b/c" || store != "a/b/c" {
		t.Fatalf("got (%q, %q)", perm, store)
	}
}

func TestResolveEmptyNormalizesToDot(t *testing.T) {
	r := New(Policy{})
	perm, store := r.Resolve("/")
	if perm != "." || store != "." {
		t.Fatalf("got (%q, %q)", perm, store)
	}
}

func TestFATMangleRoundTrip(t *testing.T) {
	r := New(Policy{FATMangle: true})
	names := []string{`a"b`, "a?b", "a:b", "a*b", "a|b", "a<b>b", "a$b", `a\b`}
	for _, n := range names {
		_, store := r.Resolve(n)
		got := r.UnmangleStore(lastComponent(store))
		if got != n {
			t.Errorf("mangle/unmangle round trip failed for %q: got %q", n, got)
		}
	}
}

func TestFATMangleLowercase(t *testing.T) {
	r := New(Policy{FATMangle: true, FATLowercase: true})
	_, store := r.Resolve("README.TXT")
	if store == "README.TXT" {
		t.Fatalf("expected uppercase letters to be mangled, got %q", store)
	}
	if got := r.UnmangleStore(lastComponent(store)); got != "README.TXT" {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestPermCaseFold(t *testing.T) {
	r := New(Policy{PermCaseFold: true})
	perm, store := r.Resolve("/Foo/BAR")
	if perm != "foo/bar" {
		t.Fatalf("expected case-folded perm path, got %q", perm)
	}
	if store != "Foo/BAR" {
		t.Fatalf("store path should be untouched, got %q", store)
	}
}

func TestSplitPath(t *testing.T) {
	cases := []struct {
		in        string
		dir, file string
	}{
		{"foo", ".", "foo"},
		{"a/b", "a", "b"},
		{"a/b/c/", "a/b", "c"},
		{"", ".", "."},
	}
	for _, c := range cases {
		dir, file := SplitPath(c.in, false)
		if dir != c.dir || file != c.file {
			t.Errorf("SplitPath(%q) = (%q, %q), want (%q, %q)", c.in, dir, file, c.dir, c.file)
		}
	}
}

func TestSplitPathDecap(t *testing.T) {
	dir, file := SplitPath("a/B", true)
	if dir != "a" || file != "b" {
		t.Fatalf("got (%q, %q)", dir, file)
	}
}

func lastComponent(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}
