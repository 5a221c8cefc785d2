package tmux

import (
	"strings"

	"github.com/tfclaw/tfclaw/internal/util/textbuf"
)

// RedrawSentinel marks a delta produced by a non-append screen change
// (clear, scroll-back rewrite, full-screen application redraw).
const RedrawSentinel = "[tmux redraw]"

// Delta computes the incremental output chunk between two successive
// pane captures. emit is false when the captures are identical.
//
// The monotone case (next extends prev) yields only the appended
// suffix; any other divergence yields the redraw sentinel followed by
// the tail of the new capture.
func Delta(prev, next string, maxChars int) (chunk string, emit bool) {
	if next == prev {
		return "", false
	}
	if prev == "" {
		return textbuf.TailCap(next, maxChars), true
	}
	if strings.HasPrefix(next, prev) {
		return textbuf.TailCap(next[len(prev):], maxChars), true
	}
	return "\n" + RedrawSentinel + "\n" + textbuf.TailCap(next, maxChars) + "\n", true
}
