// Package textbuf implements the tail-capped text buffers used for
// terminal snapshots and output deltas.
package textbuf

// TailCap truncates s to its last max characters (runes). Snapshot and
// delta budgets are specified in characters, not bytes, so truncation
// never splits a multi-byte rune.
func TailCap(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		// Byte length bounds rune count.
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[len(runes)-max:])
}

// Append concatenates chunk onto s and tail-caps the result.
func Append(s, chunk string, max int) string {
	return TailCap(s+chunk, max)
}
