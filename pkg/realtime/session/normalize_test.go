package session

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "hello", "hello"},
		{"collapse spaces", "a   b\t\tc", "a b c"},
		{"newlines and tabs", "line one\nline two\r\n\tend", "line one line two end"},
		{"trim", "  padded  ", "padded"},
		{"replacement char stripped", "he�llo", "hello"},
		{"control chars stripped", "a\x00b\x07c\x7fd", "abcd"},
		{"nfc composition", "éclair", "éclair"},
		{"whitespace only", " \t\n ", ""},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Fatalf("%s: Normalize(%q)=%q, want %q", tc.name, tc.in, got, tc.want)
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{"hello  world", "é", " a\nb ", ""}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Fatalf("Normalize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}
