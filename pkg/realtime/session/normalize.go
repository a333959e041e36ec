package session

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize canonicalizes transcript text before comparison or display: NFC
// form, replacement and control characters removed, whitespace runs
// collapsed to single spaces, trimmed. Total: any input yields a valid
// (possibly empty) result.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '�' {
			continue
		}
		if (r < 0x20 || r == 0x7F) && !unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
