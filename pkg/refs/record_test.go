package refs

import (
	"errors"
	"testing"

	"github.com/odvcencio/refdb/pkg/object"
)

func TestRecord_Equality(t *testing.T) {
	h1 := object.HashBytes([]byte("one"))
	h2 := object.HashBytes([]byte("two"))

	cases := []struct {
		name string
		a, b Record
		want bool
	}{
		{"same direct", Direct(h1), Direct(h1), true},
		{"different direct", Direct(h1), Direct(h2), false},
		{"same symbolic", Symbolic("refs/heads/main"), Symbolic("refs/heads/main"), true},
		{"different symbolic", Symbolic("refs/heads/main"), Symbolic("refs/heads/dev"), false},
		{"kind mismatch", Direct(h1), Symbolic(h1.String()), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Equal(tc.b); got != tc.want {
				t.Fatalf("Equal = %v, want %v", got, tc.want)
			}
			if tc.want && tc.a.Hash() != tc.b.Hash() {
				t.Fatalf("equal records hash differently: %x vs %x", tc.a.Hash(), tc.b.Hash())
			}
		})
	}
}

func TestRecord_Accessors(t *testing.T) {
	h := object.HashBytes([]byte("x"))

	d := Direct(h)
	if got, ok := d.Target(); !ok || got != h {
		t.Fatalf("Target = %s, %v", got, ok)
	}
	if _, ok := d.SymbolicTarget(); ok {
		t.Fatal("direct record reported a symbolic target")
	}

	s := Symbolic("refs/heads/main")
	if got, ok := s.SymbolicTarget(); !ok || got != "refs/heads/main" {
		t.Fatalf("SymbolicTarget = %q, %v", got, ok)
	}
	if _, ok := s.Target(); ok {
		t.Fatal("symbolic record reported an object target")
	}

	var zero Record
	if zero.IsValid() {
		t.Fatal("zero record should be invalid")
	}
}

func TestKind_In(t *testing.T) {
	if !KindDirect.In(KindAll) || !KindSymbolic.In(KindAll) {
		t.Fatal("KindAll should contain both kinds")
	}
	if KindSymbolic.In(KindDirect) {
		t.Fatal("symbolic should not be in direct mask")
	}
	if KindInvalid.In(KindAll) {
		t.Fatal("invalid kind should match nothing")
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"HEAD", "refs/heads/main", "refs/tags/v1.0", "refs/heads/a/b", "refs/remotes/origin/main"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q): %v", name, err)
		}
	}

	invalid := []string{
		"", "main", "refs/", "refs/heads/", "refs/heads/a..b", "refs/heads/a b",
		"refs/heads/x.lock", "refs/heads/*", "refs/heads/?x", "refs//heads",
		"refs/heads/a@{1}", "refs/heads/.hidden", "refs/heads/tab\there",
	}
	for _, name := range invalid {
		err := ValidateName(name)
		if err == nil {
			t.Errorf("ValidateName(%q): expected error", name)
			continue
		}
		if !errors.Is(err, ErrInvalidName) {
			t.Errorf("ValidateName(%q) = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestShorthand(t *testing.T) {
	cases := map[string]string{
		"refs/heads/main":          "main",
		"refs/tags/v1":             "v1",
		"refs/remotes/origin/main": "origin/main",
		"refs/notes/x":             "notes/x",
		"HEAD":                     "HEAD",
	}
	for in, want := range cases {
		if got := Shorthand(in); got != want {
			t.Errorf("Shorthand(%q) = %q, want %q", in, got, want)
		}
	}
}
