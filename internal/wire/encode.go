package wire

import "strings"

// Quote renders s as an IMAP quoted string, escaping backslash and the
// double quote per RFC 3501 section 9's quoted-specials.
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' || c == '"' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}

// NeedsLiteral reports whether s contains bytes (CR, LF, or a NUL) that
// cannot be sent as a quoted string and must be sent as a literal instead.
func NeedsLiteral(s string) bool {
	return strings.ContainsAny(s, "\r\n\x00")
}
