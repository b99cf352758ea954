package tokenutil

import "testing"

func TestRandomTokenLengthAndAlphabet(t *testing.T) {
	tok := RandomToken(32)
	if !IsOpaqueToken(tok, 43) {
		t.Fatalf("RandomToken(32) = %q is not a valid opaque token of at least 43 chars", tok)
	}
}

func TestIsOpaqueTokenBounds(t *testing.T) {
	cases := []struct {
		v    string
		min  int
		want bool
	}{
		{"", 0, true},
		{"a", 1, true},
		{"a", 2, false},
		{"abc-DEF_123", 8, true},
		{"abc def", 1, false},
		{"abc.def", 1, false},
	}
	for _, c := range cases {
		if got := IsOpaqueToken(c.v, c.min); got != c.want {
			t.Errorf("IsOpaqueToken(%q, %d) = %v, want %v", c.v, c.min, got, c.want)
		}
	}
}

func TestIsOpaqueTokenMaxLength(t *testing.T) {
	long := make([]byte, MaxTokenChars+1)
	for i := range long {
		long[i] = 'a'
	}
	if IsOpaqueToken(string(long), 1) {
		t.Fatal("expected token exceeding MaxTokenChars to be rejected")
	}
	ok := make([]byte, MaxTokenChars)
	for i := range ok {
		ok[i] = 'a'
	}
	if !IsOpaqueToken(string(ok), 1) {
		t.Fatal("expected token at MaxTokenChars to be accepted")
	}
}

func TestSafeTokenEquals(t *testing.T) {
	if !SafeTokenEquals("abc", "abc") {
		t.Error("expected equal strings to compare equal")
	}
	if SafeTokenEquals("abc", "abd") {
		t.Error("expected differing strings to compare unequal")
	}
	if SafeTokenEquals("abc", "ab") {
		t.Error("expected differing-length strings to compare unequal")
	}
}

func TestRFC3339RoundTrip(t *testing.T) {
	ms := int64(1700000000123)
	s := RFC3339FromMs(ms)
	got, err := ParseRFC3339ToMs(s)
	if err != nil {
		t.Fatalf("ParseRFC3339ToMs(%q) error: %v", s, err)
	}
	if got != ms {
		t.Errorf("round trip got %d, want %d", got, ms)
	}
}
