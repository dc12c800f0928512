package message

import "strings"

// PreviewLimit caps redacted log excerpts of untrusted content.
const PreviewLimit = 200

// Redact strips control characters (keeping newline and tab) and caps
// the length so untrusted content can be logged without enabling log
// injection.
func Redact(s string) string {
	if len(s) > PreviewLimit {
		s = s[:PreviewLimit]
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r < 0x20 || r == 0x7f || (r >= 0x80 && r <= 0x9f):
			return -1
		default:
			return r
		}
	}, s)
}
