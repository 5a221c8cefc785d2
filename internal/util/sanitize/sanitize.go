package sanitize

import (
	"strings"
	"unicode"
)

// Title sanitizes a terminal title by removing control characters
// and limiting the length.
func Title(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// WindowName converts a terminal title into a name safe to pass to
// tmux new-window -n. tmux treats '.' and ':' as target separators and
// chokes on empty names, so those are replaced and a fallback applied.
func WindowName(title string, maxLen int) string {
	s := Title(title, maxLen)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '.' || r == ':' || r == '\'' || r == '"':
			b.WriteRune('-')
		case unicode.IsSpace(r):
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "term"
	}
	return out
}
