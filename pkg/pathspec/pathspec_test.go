package pathspec

import (
	"errors"
	"reflect"
	"testing"
)

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr error
	}{
		{name: "empty pattern", pattern: "", wantErr: ErrEmptyPattern},
		{name: "unknown flag", pattern: "x/foo", wantErr: ErrUnknownFlag},
		{name: "flags only", pattern: "i", wantErr: ErrNoLeadingSlash},
		{name: "unnamed segment param", pattern: "/foo/:", wantErr: ErrUnnamedParam},
		{name: "unnamed segment param before slash", pattern: "/:/bar", wantErr: ErrUnnamedParam},
		{name: "unnamed wildcard", pattern: "/foo/*", wantErr: ErrUnnamedParam},
		{name: "unbalanced open group", pattern: "/foo{/bar", wantErr: ErrUnbalancedGroup},
		{name: "unbalanced close group", pattern: "/foo}/bar", wantErr: ErrUnbalancedGroup},
		{name: "dangling escape", pattern: "/foo\\", wantErr: ErrDanglingEscape},
		{name: "dangling escape in name", pattern: "/foo/:ba\\", wantErr: ErrDanglingEscape},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.pattern)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Compile(%q) error = %v, want %v", tt.pattern, err, tt.wantErr)
			}
		})
	}
}

func TestLiteralRoundTrip(t *testing.T) {
	p := MustCompile("/foo/bar")

	if _, ok := p.Match("/foo/bar"); !ok {
		t.Error("pattern should match its own literal path")
	}
	for _, path := range []string{"/foo", "/foo/bar/baz", "/foo/other", "/bar/foo"} {
		if _, ok := p.Match(path); ok {
			t.Errorf("pattern /foo/bar should not match %q", path)
		}
	}
}

func TestSingleSegmentParam(t *testing.T) {
	p := MustCompile("/users/:id")

	res, ok := p.Match("/users/42")
	if !ok {
		t.Fatal("expected match")
	}
	if v, ok := res.Params()["id"].Value(); !ok || v != "42" {
		t.Errorf("id = %q, %v, want %q, true", v, ok, "42")
	}

	// A single-segment capture never spans a slash.
	if _, ok := p.Match("/users/42/posts"); ok {
		t.Error(":id should not capture across a slash")
	}
}

func TestOptionalGroup(t *testing.T) {
	p := MustCompile("/foo{/bar}")

	if _, ok := p.Match("/foo"); !ok {
		t.Error("optional group should allow /foo")
	}
	if _, ok := p.Match("/foo/bar"); !ok {
		t.Error("optional group should allow /foo/bar")
	}
	if _, ok := p.Match("/foo/other"); ok {
		t.Error("optional group should reject /foo/other")
	}
}

func TestNestedOptionalGroups(t *testing.T) {
	p := MustCompile("/a{/b{/c}}")

	for _, path := range []string{"/a", "/a/b", "/a/b/c"} {
		if _, ok := p.Match(path); !ok {
			t.Errorf("expected %q to match", path)
		}
	}
	if _, ok := p.Match("/a/c"); ok {
		t.Error("/a/c should not match: /c needs /b")
	}
}

func TestOptionalParamAbsentVsEmpty(t *testing.T) {
	p := MustCompile("/posts{/:page}")

	res, ok := p.Match("/posts")
	if !ok {
		t.Fatal("expected match")
	}
	if _, present := res.Params()["page"].Value(); present {
		t.Error("page should be absent for /posts")
	}

	res, ok = p.Match("/posts/2")
	if !ok {
		t.Fatal("expected match")
	}
	if v, present := res.Params()["page"].Value(); !present || v != "2" {
		t.Errorf("page = %q, %v, want %q, true", v, present, "2")
	}
}

func TestMultiSegmentCapture(t *testing.T) {
	p := MustCompile("/foo/*rest")

	tests := []struct {
		path string
		want []string
	}{
		{path: "/foo/a/b", want: []string{"a", "b"}},
		{path: "/foo/", want: []string{}},
		{path: "/foo", want: []string{}},
		{path: "/foo/a//b", want: []string{"a", "b"}}, // merge mode drops empties
	}
	for _, tt := range tests {
		res, ok := p.Match(tt.path)
		if !ok {
			t.Errorf("expected %q to match", tt.path)
			continue
		}
		if got := res.Params()["rest"].List(); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("rest for %q = %v, want %v", tt.path, got, tt.want)
		}
	}

	if _, ok := p.Match("/foobar"); ok {
		t.Error("/foobar should not match /foo/*rest")
	}
}

func TestSlashMerging(t *testing.T) {
	p := MustCompile("/foo/bar")

	for _, path := range []string{"/foo/bar", "/foo//bar", "///foo//bar"} {
		if _, ok := p.Match(path); !ok {
			t.Errorf("merge mode should match %q", path)
		}
	}

	exact := MustCompile("!/foo/bar")
	if _, ok := exact.Match("/foo/bar"); !ok {
		t.Error("exact mode should match the literal slash count")
	}
	for _, path := range []string{"/foo//bar", "///foo//bar"} {
		if _, ok := exact.Match(path); ok {
			t.Errorf("exact mode should reject %q", path)
		}
	}
}

func TestExactModePreservesEmptyComponents(t *testing.T) {
	p := MustCompile("!/foo/*rest")

	res, ok := p.Match("/foo/a//b")
	if !ok {
		t.Fatal("expected match")
	}
	want := []string{"a", "", "b"}
	if got := res.Params()["rest"].List(); !reflect.DeepEqual(got, want) {
		t.Errorf("rest = %v, want %v", got, want)
	}

	res, ok = p.Match("/foo/")
	if !ok {
		t.Fatal("expected match")
	}
	want = []string{""}
	if got := res.Params()["rest"].List(); !reflect.DeepEqual(got, want) {
		t.Errorf("rest = %v, want %v", got, want)
	}
}

func TestCaseInsensitiveFlag(t *testing.T) {
	p := MustCompile("i/Foo/Bar")

	for _, path := range []string{"/foo/bar", "/FOO/BAR", "/Foo/Bar"} {
		if _, ok := p.Match(path); !ok {
			t.Errorf("case-insensitive pattern should match %q", path)
		}
	}

	sensitive := MustCompile("/Foo/Bar")
	if _, ok := sensitive.Match("/foo/bar"); ok {
		t.Error("case-sensitive pattern should reject /foo/bar")
	}
}

func TestCombinedFlags(t *testing.T) {
	p := MustCompile("i!/Foo/Bar")

	if _, ok := p.Match("/foo/bar"); !ok {
		t.Error("expected case-insensitive match")
	}
	if _, ok := p.Match("/foo//bar"); ok {
		t.Error("exact flag should still reject merged slashes")
	}
	if !p.Exact() || !p.Insensitive() {
		t.Errorf("flags = exact %v, insensitive %v, want true, true", p.Exact(), p.Insensitive())
	}
}

func TestEscapedReservedCharacters(t *testing.T) {
	p := MustCompile(`/files/\:literal`)
	if _, ok := p.Match("/files/:literal"); !ok {
		t.Error("escaped ':' should match literally")
	}
	if len(p.Params()) != 0 {
		t.Errorf("params = %v, want none", p.Params())
	}

	// A reserved character escaped inside a parameter name.
	named := MustCompile(`/x/:a\:b`)
	res, ok := named.Match("/x/7")
	if !ok {
		t.Fatal("expected match")
	}
	if v, present := res.Params()["a:b"].Value(); !present || v != "7" {
		t.Errorf("param a:b = %q, %v, want %q, true", v, present, "7")
	}
}

func TestSubPatternRemainder(t *testing.T) {
	p, err := CompileSub("/api")
	if err != nil {
		t.Fatalf("CompileSub() error = %v", err)
	}

	tests := []struct {
		path          string
		wantRemainder string
		wantMatch     bool
	}{
		{path: "/api", wantRemainder: "/", wantMatch: true},
		{path: "/api/users", wantRemainder: "/users", wantMatch: true},
		{path: "/api/users/42", wantRemainder: "/users/42", wantMatch: true},
		{path: "/apix", wantMatch: false},
		{path: "/other", wantMatch: false},
	}
	for _, tt := range tests {
		res, ok := p.Match(tt.path)
		if ok != tt.wantMatch {
			t.Errorf("Match(%q) = %v, want %v", tt.path, ok, tt.wantMatch)
			continue
		}
		if ok && res.Remainder() != tt.wantRemainder {
			t.Errorf("Remainder for %q = %q, want %q", tt.path, res.Remainder(), tt.wantRemainder)
		}
	}
}

func TestSubPatternWithParam(t *testing.T) {
	p, err := CompileSub("/tenants/:tenant")
	if err != nil {
		t.Fatalf("CompileSub() error = %v", err)
	}

	res, ok := p.Match("/tenants/acme/users/1")
	if !ok {
		t.Fatal("expected match")
	}
	if v, _ := res.Params()["tenant"].Value(); v != "acme" {
		t.Errorf("tenant = %q, want %q", v, "acme")
	}
	if res.Remainder() != "/users/1" {
		t.Errorf("remainder = %q, want %q", res.Remainder(), "/users/1")
	}
}

func TestParamSpecs(t *testing.T) {
	p := MustCompile("/a/:one/b/*two")

	want := []ParamSpec{
		{Name: "one", Kind: KindSingle},
		{Name: "two", Kind: KindMulti},
	}
	if got := p.Params(); !reflect.DeepEqual(got, want) {
		t.Errorf("Params() = %v, want %v", got, want)
	}
}

func TestMustCompilePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustCompile should panic on a malformed pattern")
		}
	}()
	MustCompile("/foo/:")
}
