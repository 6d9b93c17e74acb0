package ingest

import "strings"

// NormalizeName canonicalizes a person or firm name for matching:
// uppercase, punctuation stripped, whitespace collapsed. Idempotent:
// normalizing an already-normalized name is a no-op.
func NormalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToUpper(s) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '&':
			b.WriteRune(r)
			lastSpace = false
		default:
			// punctuation and runs of whitespace collapse to one space
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// JoinName builds a normalized full name from first/last parts.
func JoinName(first, last string) string {
	return NormalizeName(strings.TrimSpace(first + " " + last))
}
