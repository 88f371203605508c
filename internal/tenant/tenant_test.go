package tenant

import (
	"strings"
	"testing"

	"wafleet/internal/faults"
)

func TestResolveSanitizes(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"user-1", "user-1"},
		{"  user-1  ", "user-1"},
		{"User 42!", "User42"},
		{"a/../b", "ab"},
		{"x@example.com", "xexamplecom"},
		{"под_пол", "_"},
	}
	for _, c := range cases {
		k, err := Resolve(c.in)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", c.in, err)
		}
		if k.String() != c.want {
			t.Fatalf("Resolve(%q) = %q, want %q", c.in, k.String(), c.want)
		}
	}
}

func TestResolveRejectsEmpty(t *testing.T) {
	for _, in := range []string{"", "   ", "!!!", "../.."} {
		_, err := Resolve(in)
		if err == nil {
			t.Fatalf("Resolve(%q): expected error", in)
		}
		if !faults.IsKind(err, faults.KindValidation) {
			t.Fatalf("Resolve(%q): kind = %q, want validation", in, faults.KindOf(err))
		}
	}
}

func TestResolveCapsLength(t *testing.T) {
	long := strings.Repeat("a", 500)
	k, err := Resolve(long)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(k.String()) != 128 {
		t.Fatalf("len = %d, want 128", len(k.String()))
	}
}

func TestZeroKey(t *testing.T) {
	var k Key
	if !k.IsZero() {
		t.Fatal("zero Key should report IsZero")
	}
	if MustResolve("user-1").IsZero() {
		t.Fatal("resolved Key should not be zero")
	}
}
