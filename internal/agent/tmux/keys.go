package tmux

// Input action kinds.
const (
	ActionLiteral = "literal"
	ActionKey     = "key"
)

// InputAction is one unit of pane input: either a literal text run or
// a named key press.
type InputAction struct {
	Kind string
	Text string // set for literal actions
	Key  string // set for key actions (Enter, Tab, Escape, C-c, ...)
}

// Whole-string shortcut markers understood by ParseInputActions.
var shortcutMarkers = map[string]string{
	"__CTRL_C__": "C-c",
	"__CTRL_D__": "C-d",
	"__CTRL_Z__": "C-z",
	"__ENTER__":  "Enter",
}

// controlKeys maps raw control bytes to named keys.
var controlKeys = map[byte]string{
	0x03: "C-c",
	0x04: "C-d",
	0x1a: "C-z",
	0x1b: "Escape",
	0x09: "Tab",
}

// ParseInputActions translates a client byte/shortcut stream into the
// ordered action sequence submitted to the multiplexer. A recognized
// whole-string marker yields exactly one key action; otherwise the
// string is scanned byte by byte, flushing literal runs around control
// bytes and newlines.
func ParseInputActions(data string) []InputAction {
	if key, ok := shortcutMarkers[data]; ok {
		return []InputAction{{Kind: ActionKey, Key: key}}
	}

	var actions []InputAction
	var literal []byte
	flush := func() {
		if len(literal) > 0 {
			actions = append(actions, InputAction{Kind: ActionLiteral, Text: string(literal)})
			literal = literal[:0]
		}
	}

	for i := 0; i < len(data); i++ {
		b := data[i]
		switch {
		case b == '\r':
			flush()
			actions = append(actions, InputAction{Kind: ActionKey, Key: "Enter"})
			if i+1 < len(data) && data[i+1] == '\n' {
				i++ // swallow the LF of a CRLF pair
			}
		case b == '\n':
			flush()
			actions = append(actions, InputAction{Kind: ActionKey, Key: "Enter"})
		case b == 0x00:
			// NUL bytes are dropped.
		default:
			if key, ok := controlKeys[b]; ok {
				flush()
				actions = append(actions, InputAction{Kind: ActionKey, Key: key})
			} else {
				literal = append(literal, b)
			}
		}
	}
	flush()
	return actions
}
