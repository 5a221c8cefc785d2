package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tfclaw/tfclaw/internal/wire"
)

const (
	defaultSendWait     = 1200 * time.Millisecond
	defaultCaptureLines = 60
)

// chatState is the per-conversation interpreter state, keyed by the
// sessionKey the gateway attaches to each text command.
type chatState struct {
	target       string // terminal ref; empty means first live terminal
	passthrough  bool
	streamMode   string // on, off, auto
	waitMs       int
	captureLines int
}

// commandInterpreter executes tfclaw.command text against the driver.
// Replies are plain text; the gateway parses a few well-known phrases
// out of them to keep its cached mode state in sync.
type commandInterpreter struct {
	d *Driver

	mu    sync.Mutex
	chats map[string]*chatState
}

func newCommandInterpreter(d *Driver) *commandInterpreter {
	return &commandInterpreter{d: d, chats: make(map[string]*chatState)}
}

func (ci *commandInterpreter) state(sessionKey string) *chatState {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	st, ok := ci.chats[sessionKey]
	if !ok {
		st = &chatState{streamMode: "auto", waitMs: int(defaultSendWait / time.Millisecond), captureLines: defaultCaptureLines}
		ci.chats[sessionKey] = st
	}
	return st
}

// Run executes one text command and publishes its result frames.
func (ci *commandInterpreter) Run(ctx context.Context, sessionKey, text, requestID string) {
	st := ci.state(sessionKey)
	out, err := ci.execute(ctx, st, strings.TrimSpace(text), requestID)
	if err != nil {
		ci.d.sendError(wire.ErrAgentCommandFailed, err.Error(), requestID)
		return
	}
	ci.d.pub.Publish(wire.MustEncode(wire.TypeAgentCommandResult, wire.CommandResult{
		RequestID: requestID,
		Output:    out,
	}))
}

func (ci *commandInterpreter) execute(ctx context.Context, st *chatState, text, requestID string) (string, error) {
	cmd, rest := splitCommand(text)
	switch cmd {
	case "", "help":
		return helpText, nil
	case "passthrough", "pt":
		return ci.setPassthrough(st, rest), nil
	case "use", "target":
		return ci.setTarget(st, rest), nil
	case "send":
		return ci.send(ctx, st, rest, requestID)
	case "capture":
		return ci.capture(ctx, st)
	case "key":
		return ci.key(ctx, st, rest)
	case "stream_mode":
		return ci.setStreamMode(st, rest), nil
	case "wait":
		return ci.setWait(st, rest), nil
	case "lines":
		return ci.setLines(st, rest), nil
	case "list":
		return ci.list(), nil
	case "status":
		return ci.status(st), nil
	default:
		return fmt.Sprintf("unknown command: %s\n%s", cmd, helpText), nil
	}
}

// splitCommand normalizes /tmux, /passthrough, /pt, and the short
// /t<sub> aliases down to a bare subcommand plus its argument tail.
func splitCommand(text string) (cmd, rest string) {
	head, tail, _ := strings.Cut(text, " ")
	head = strings.TrimPrefix(strings.ToLower(head), "/")
	tail = strings.TrimSpace(tail)

	switch head {
	case "tmux":
		sub, subTail, _ := strings.Cut(tail, " ")
		return strings.ToLower(sub), strings.TrimSpace(subTail)
	case "passthrough", "pt":
		return "passthrough", tail
	default:
		// /tsend, /tuse, /tkey, ... are shorthand for /tmux <sub>.
		if strings.HasPrefix(head, "t") && len(head) > 1 {
			return head[1:], tail
		}
		return head, tail
	}
}

func (ci *commandInterpreter) setPassthrough(st *chatState, arg string) string {
	switch strings.ToLower(arg) {
	case "on", "":
		st.passthrough = true
		return "passthrough enabled."
	case "off":
		st.passthrough = false
		return "passthrough disabled."
	default:
		return fmt.Sprintf("passthrough takes on or off, got %q", arg)
	}
}

func (ci *commandInterpreter) setTarget(st *chatState, ref string) string {
	if ref == "" {
		if st.target == "" {
			return "no target set; first live terminal is used"
		}
		return fmt.Sprintf("Target set to `%s`", st.target)
	}
	t, ok := ci.d.resolveTerminal(ref)
	if !ok {
		return fmt.Sprintf("terminal not found: %s", ref)
	}
	st.target = t.id
	return fmt.Sprintf("Target set to `%s`", t.title)
}

func (ci *commandInterpreter) targetTerminal(st *chatState) (*terminal, error) {
	if st.target != "" {
		if t, ok := ci.d.resolveTerminal(st.target); ok {
			return t, nil
		}
		return nil, fmt.Errorf("target terminal %s is gone", st.target)
	}
	if t, ok := ci.d.firstTerminal(); ok {
		return t, nil
	}
	return nil, fmt.Errorf("no live terminal")
}

// send injects a line into the target pane, waits for output to
// settle, and returns the fresh capture. A progress frame carries the
// intermediate screen while the final capture is pending.
func (ci *commandInterpreter) send(ctx context.Context, st *chatState, text, requestID string) (string, error) {
	if text == "" {
		return "nothing to send", nil
	}
	t, err := ci.targetTerminal(st)
	if err != nil {
		return "", err
	}
	if err := ci.d.writeInput(ctx, t.id, text+"\n"); err != nil {
		return "", err
	}

	wait := time.Duration(st.waitMs) * time.Millisecond
	if wait > 0 {
		if early, err := ci.captureTail(ctx, t, st.captureLines); err == nil {
			ci.d.pub.Publish(wire.MustEncode(wire.TypeAgentCommandResult, wire.CommandResult{
				RequestID:      requestID,
				Output:         ci.render(t, early),
				Progress:       true,
				ProgressSource: "tmux",
			}))
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}

	out, err := ci.captureTail(ctx, t, st.captureLines)
	if err != nil {
		return "", err
	}
	return ci.render(t, out), nil
}

func (ci *commandInterpreter) capture(ctx context.Context, st *chatState) (string, error) {
	t, err := ci.targetTerminal(st)
	if err != nil {
		return "", err
	}
	out, err := ci.captureTail(ctx, t, st.captureLines)
	if err != nil {
		return "", err
	}
	return ci.render(t, out), nil
}

func (ci *commandInterpreter) key(ctx context.Context, st *chatState, keyspec string) (string, error) {
	if keyspec == "" {
		return "key takes a key name (Enter, C-c, Escape, ...)", nil
	}
	t, err := ci.targetTerminal(st)
	if err != nil {
		return "", err
	}
	if err := ci.d.mux.SendKey(ctx, t.paneID, keyspec); err != nil {
		return "", err
	}
	return fmt.Sprintf("sent %s to `%s`", keyspec, t.title), nil
}

func (ci *commandInterpreter) captureTail(ctx context.Context, t *terminal, lines int) (string, error) {
	return ci.d.mux.CapturePane(ctx, t.paneID, lines)
}

func (ci *commandInterpreter) render(t *terminal, capture string) string {
	return fmt.Sprintf("[tmux %s]\n%s", t.title, capture)
}

func (ci *commandInterpreter) setStreamMode(st *chatState, arg string) string {
	switch strings.ToLower(arg) {
	case "on", "off", "auto":
		st.streamMode = strings.ToLower(arg)
	case "":
	default:
		return fmt.Sprintf("stream_mode takes on, off, or auto, got %q", arg)
	}
	return "stream_mode " + st.streamMode
}

func (ci *commandInterpreter) setWait(st *chatState, arg string) string {
	ms, err := strconv.Atoi(arg)
	if err != nil || ms < 0 {
		return fmt.Sprintf("wait takes milliseconds, got %q", arg)
	}
	st.waitMs = ms
	return fmt.Sprintf("wait %d ms", ms)
}

func (ci *commandInterpreter) setLines(st *chatState, arg string) string {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return fmt.Sprintf("lines takes a positive count, got %q", arg)
	}
	st.captureLines = n
	return fmt.Sprintf("lines %d", n)
}

func (ci *commandInterpreter) list() string {
	ci.d.mu.Lock()
	defer ci.d.mu.Unlock()
	if len(ci.d.order) == 0 {
		return "no terminals"
	}
	var b strings.Builder
	for i, id := range ci.d.order {
		t := ci.d.terminals[id]
		mark := " "
		if !t.active {
			mark = "x"
		}
		fmt.Fprintf(&b, "%d. [%s] %s (%s)\n", i+1, mark, t.title, t.id)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (ci *commandInterpreter) status(st *chatState) string {
	target := st.target
	if target == "" {
		target = "(first live terminal)"
	}
	pt := "passthrough disabled."
	if st.passthrough {
		pt = "passthrough enabled."
	}
	return fmt.Sprintf("%s\ntarget: %s\nstream_mode %s\nwait %d ms, lines %d",
		pt, target, st.streamMode, st.waitMs, st.captureLines)
}

const helpText = `commands:
  /tmux list                 list terminals
  /tmux use <ref>            set the target terminal
  /tmux send <text>          send a line and capture the result
  /tmux capture              capture the target screen
  /tmux key <keyspec>        send a named key (Enter, C-c, ...)
  /tmux wait <ms>            settle delay before the final capture
  /tmux lines <n>            capture depth
  /tmux stream_mode on|off|auto
  /passthrough on|off        toggle passthrough mode`
