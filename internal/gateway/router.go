package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tfclaw/tfclaw/internal/metrics"
	"github.com/tfclaw/tfclaw/internal/wire"
)

// Interaction modes.
const (
	modeControl     = "control"
	modePassthrough = "passthrough"
)

// typedAckGrace bounds the wait for a negative ack on fire-and-forget
// typed commands (create/close/input).
const typedAckGrace = 2 * time.Second

// conversation is the per-chat routing state.
type conversation struct {
	mu                 sync.Mutex
	mode               string
	target             string // agent-side target label, from reply discovery
	selectedTerminalID string
	streamMode         string
	captureMenu        []wire.CaptureSource
	captureMenuAt      time.Time
	session            *progressSession
}

// relayBridge is the bridge surface the router needs. *Bridge
// satisfies it; tests substitute a fake.
type relayBridge interface {
	Register(requestID string) *Waiter
	Unregister(requestID string)
	Send(requestID string, cmd wire.Command) error
	State() wire.State
}

// Router interprets inbound chat messages and drives the bridge.
type Router struct {
	cfg    *Config
	bridge relayBridge
	chat   Chat
	log    *slog.Logger
	dedup  *dedup

	mu    sync.Mutex
	convs map[string]*conversation
}

// NewRouter wires a router over the bridge and chat platform.
func NewRouter(cfg *Config, bridge relayBridge, chat Chat, log *slog.Logger) *Router {
	return &Router{
		cfg:    cfg,
		bridge: bridge,
		chat:   chat,
		log:    log,
		dedup:  newDedup(),
		convs:  make(map[string]*conversation),
	}
}

func (r *Router) conversation(key string) *conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[key]
	if !ok {
		c = &conversation{mode: modeControl, streamMode: "auto"}
		r.convs[key] = c
	}
	return c
}

// HandleMessage processes one inbound chat event. Long-running
// commands continue in the background so other chats are not blocked.
func (r *Router) HandleMessage(ctx context.Context, msg Message) {
	if !r.cfg.UserAllowed(msg.UserID) {
		r.log.Debug("message from unlisted user dropped", "user", msg.UserID)
		return
	}
	if r.dedup.Seen(msg.MessageID) {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if r.cfg.ReactEmoji != "" {
		if err := r.chat.React(ctx, msg.Channel, msg.ChatID, msg.MessageID, r.cfg.ReactEmoji); err != nil {
			r.log.Warn("react failed", "error", err)
		}
	}

	conv := r.conversation(msg.ChatKey())

	// A bare number answers a pending capture menu in either mode.
	if n, err := strconv.Atoi(text); err == nil && n > 0 && r.hasCaptureMenu(conv) {
		go r.selectCapture(ctx, conv, msg, n)
		return
	}

	conv.mu.Lock()
	mode := conv.mode
	conv.mu.Unlock()

	if mode == modePassthrough {
		r.handlePassthrough(ctx, conv, msg, text)
		return
	}
	r.handleControl(ctx, conv, msg, text)
}

func (r *Router) handlePassthrough(ctx context.Context, conv *conversation, msg Message, text string) {
	switch {
	case text == ".exit":
		go r.runCommand(ctx, conv, msg, "/passthrough off")
	case strings.HasPrefix(text, "//"):
		// Literal leading slash: strip one and send as input.
		go r.runCommand(ctx, conv, msg, "/tmux send "+text[1:])
	case strings.HasPrefix(text, "/"):
		r.handleControl(ctx, conv, msg, text)
	case strings.HasPrefix(text, "."):
		r.handleControl(ctx, conv, msg, strings.TrimPrefix(text, "."))
	default:
		go r.runCommand(ctx, conv, msg, "/tmux send "+text)
	}
}

func (r *Router) handleControl(ctx context.Context, conv *conversation, msg Message, text string) {
	// Slash commands pass through to the agent verbatim.
	if strings.HasPrefix(text, "/") {
		go r.runCommand(ctx, conv, msg, text)
		return
	}

	// "<ref>: <text>" directs one line at a specific terminal.
	if ref, line, ok := splitDirected(text); ok {
		r.directInput(ctx, conv, msg, ref, line)
		return
	}

	word, rest, _ := strings.Cut(text, " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(word) {
	case "help":
		r.reply(ctx, conv, msg, controlHelp)
	case "state":
		r.reply(ctx, conv, msg, r.renderState(conv))
	case "list":
		r.reply(ctx, conv, msg, r.renderTerminals())
	case "new":
		go r.sendTyped(ctx, conv, msg, wire.Command{Command: wire.CmdTerminalCreate, Title: rest},
			"terminal requested")
	case "use":
		if rest == "" {
			r.reply(ctx, conv, msg, "use takes a terminal ref")
			return
		}
		go r.runCommand(ctx, conv, msg, "/tmux use "+rest)
	case "attach":
		go func() {
			if rest != "" {
				r.runCommand(ctx, conv, msg, "/tmux use "+rest)
			}
			r.runCommand(ctx, conv, msg, "/passthrough on")
		}()
	case "close":
		r.closeTerminal(ctx, conv, msg, rest)
	case "key":
		if rest == "" {
			r.reply(ctx, conv, msg, "key takes a key name (Enter, C-c, ...)")
			return
		}
		go r.runCommand(ctx, conv, msg, "/tmux key "+rest)
	case "ctrlc":
		r.sendShortcut(ctx, conv, msg, "__CTRL_C__", "sent ctrl-c")
	case "ctrld":
		r.sendShortcut(ctx, conv, msg, "__CTRL_D__", "sent ctrl-d")
	case "capture":
		go r.startCapture(ctx, conv, msg)
	default:
		r.reply(ctx, conv, msg, fmt.Sprintf("unknown command: %s (try help)", word))
	}
}

// splitDirected parses "<ref>: <text>". The ref must be a single word
// so ordinary sentences with colons do not match.
func splitDirected(text string) (ref, line string, ok bool) {
	i := strings.Index(text, ":")
	if i <= 0 || i == len(text)-1 {
		return "", "", false
	}
	ref = strings.TrimSpace(text[:i])
	line = strings.TrimSpace(text[i+1:])
	if ref == "" || line == "" || strings.ContainsAny(ref, " \t") {
		return "", "", false
	}
	return ref, line, true
}

// runCommand executes one tfclaw text command end to end: open a
// progress session, send, stream progress into it, and post the final
// reply.
func (r *Router) runCommand(ctx context.Context, conv *conversation, msg Message, text string) {
	requestID := wire.NewRequestID()
	w := r.bridge.Register(requestID)
	defer r.bridge.Unregister(requestID)

	conv.mu.Lock()
	if conv.session != nil {
		conv.session.Stop()
	}
	sess := newProgressSession(r.chat, msg.Channel, msg.ChatID, conv.streamMode, r.cfg.ProgressRecallDelay, r.log)
	conv.session = sess
	conv.mu.Unlock()

	metrics.CommandsInFlight.Inc()
	defer metrics.CommandsInFlight.Dec()

	if err := r.bridge.Send(requestID, wire.Command{
		Command:    wire.CmdTfclaw,
		Text:       text,
		SessionKey: msg.ChatKey(),
	}); err != nil {
		sess.Stop()
		r.reply(ctx, conv, msg, err.Error())
		return
	}

	wctx, cancel := context.WithTimeout(ctx, r.cfg.ResultTimeout)
	defer cancel()
	out, err := w.Wait(wctx, func(p wire.CommandResult) {
		sess.Push(p.Output)
	})
	if err != nil {
		sess.Stop()
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.New("command timeout")
		}
		r.reply(ctx, conv, msg, err.Error())
		return
	}

	final := ""
	if out.Result != nil {
		final = out.Result.Output
	}
	r.discover(conv, final)
	if _, err := sess.Finish(ctx, r.render(conv, final)); err != nil {
		r.log.Warn("post final reply", "error", err)
	}
}

// sendTyped fires a typed command and surfaces only a prompt negative
// ack; silence within the grace period counts as accepted.
func (r *Router) sendTyped(ctx context.Context, conv *conversation, msg Message, cmd wire.Command, okText string) {
	requestID := wire.NewRequestID()
	w := r.bridge.Register(requestID)
	defer r.bridge.Unregister(requestID)

	if err := r.bridge.Send(requestID, cmd); err != nil {
		r.reply(ctx, conv, msg, err.Error())
		return
	}
	wctx, cancel := context.WithTimeout(ctx, typedAckGrace)
	defer cancel()
	if _, err := w.Wait(wctx, nil); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		r.reply(ctx, conv, msg, err.Error())
		return
	}
	r.reply(ctx, conv, msg, okText)
}

func (r *Router) closeTerminal(ctx context.Context, conv *conversation, msg Message, ref string) {
	t, ok := r.resolveTerminal(conv, ref)
	if !ok {
		r.reply(ctx, conv, msg, "terminal not found: "+ref)
		return
	}
	go r.sendTyped(ctx, conv, msg, wire.Command{Command: wire.CmdTerminalClose, TerminalID: t.TerminalID},
		fmt.Sprintf("closing `%s`", t.Title))
}

func (r *Router) sendShortcut(ctx context.Context, conv *conversation, msg Message, marker, okText string) {
	t, ok := r.resolveTerminal(conv, "")
	if !ok {
		r.reply(ctx, conv, msg, "no terminal available")
		return
	}
	go r.sendTyped(ctx, conv, msg, wire.Command{Command: wire.CmdTerminalInput, TerminalID: t.TerminalID, Data: marker}, okText)
}

func (r *Router) directInput(ctx context.Context, conv *conversation, msg Message, ref, line string) {
	t, ok := r.resolveTerminal(conv, ref)
	if !ok {
		r.reply(ctx, conv, msg, "terminal not found: "+ref)
		return
	}
	go r.sendTyped(ctx, conv, msg, wire.Command{Command: wire.CmdTerminalInput, TerminalID: t.TerminalID, Data: line + "\n"},
		fmt.Sprintf("sent to `%s`", t.Title))
}

// resolveTerminal matches a ref against the latest relay state: id,
// then title, then 1-based index. An empty ref picks the conversation's
// selected terminal, falling back to the first listed.
func (r *Router) resolveTerminal(conv *conversation, ref string) (wire.TerminalSummary, bool) {
	st := r.bridge.State()
	if ref == "" {
		conv.mu.Lock()
		ref = conv.selectedTerminalID
		conv.mu.Unlock()
		if ref == "" {
			if len(st.Terminals) == 0 {
				return wire.TerminalSummary{}, false
			}
			return st.Terminals[0], true
		}
	}
	for _, t := range st.Terminals {
		if t.TerminalID == ref {
			return t, true
		}
	}
	for _, t := range st.Terminals {
		if t.Title == ref {
			return t, true
		}
	}
	if idx, err := strconv.Atoi(ref); err == nil && idx >= 1 && idx <= len(st.Terminals) {
		return st.Terminals[idx-1], true
	}
	return wire.TerminalSummary{}, false
}

// Capture selection flow.

// hasCaptureMenu reports whether a menu is pending. Expiry is judged
// in selectCapture so a stale pick gets the expiry message instead of
// falling through to the command parser.
func (r *Router) hasCaptureMenu(conv *conversation) bool {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return len(conv.captureMenu) > 0
}

func (r *Router) startCapture(ctx context.Context, conv *conversation, msg Message) {
	requestID := wire.NewRequestID()
	w := r.bridge.Register(requestID)
	defer r.bridge.Unregister(requestID)

	if err := r.bridge.Send(requestID, wire.Command{Command: wire.CmdCaptureList}); err != nil {
		r.reply(ctx, conv, msg, err.Error())
		return
	}
	wctx, cancel := context.WithTimeout(ctx, r.cfg.CaptureListTimeout)
	defer cancel()
	out, err := w.Wait(wctx, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.New("capture source list timeout")
		}
		r.reply(ctx, conv, msg, err.Error())
		return
	}
	if len(out.Sources) == 0 {
		r.reply(ctx, conv, msg, "no capture sources available")
		return
	}

	conv.mu.Lock()
	conv.captureMenu = out.Sources
	conv.captureMenuAt = time.Now()
	conv.mu.Unlock()

	var b strings.Builder
	b.WriteString("reply with a number to capture:\n")
	for i, s := range out.Sources {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, s.Source, s.Label)
	}
	r.reply(ctx, conv, msg, strings.TrimRight(b.String(), "\n"))
}

func (r *Router) selectCapture(ctx context.Context, conv *conversation, msg Message, n int) {
	conv.mu.Lock()
	menu := conv.captureMenu
	expired := time.Since(conv.captureMenuAt) > r.cfg.CaptureMenuTTL
	if expired || n >= 1 && n <= len(menu) {
		conv.captureMenu = nil
	}
	selected := conv.selectedTerminalID
	conv.mu.Unlock()

	if expired {
		r.reply(ctx, conv, msg, "capture menu expired, run capture again")
		return
	}
	if n < 1 || n > len(menu) {
		r.reply(ctx, conv, msg, fmt.Sprintf("pick a number between 1 and %d", len(menu)))
		return
	}
	src := menu[n-1]

	requestID := wire.NewRequestID()
	w := r.bridge.Register(requestID)
	defer r.bridge.Unregister(requestID)

	if err := r.bridge.Send(requestID, wire.Command{
		Command:    wire.CmdScreenCapture,
		Source:     src.Source,
		SourceID:   src.SourceID,
		TerminalID: selected,
	}); err != nil {
		r.reply(ctx, conv, msg, err.Error())
		return
	}
	wctx, cancel := context.WithTimeout(ctx, r.cfg.CaptureTimeout)
	defer cancel()
	out, err := w.Wait(wctx, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.New("capture timeout")
		}
		r.reply(ctx, conv, msg, err.Error())
		return
	}
	if out.Capture == nil {
		r.reply(ctx, conv, msg, "capture returned no image")
		return
	}
	png, err := base64.StdEncoding.DecodeString(out.Capture.ImageBase64)
	if err != nil {
		r.reply(ctx, conv, msg, "capture returned a malformed image")
		return
	}
	if _, err := r.chat.SendImage(ctx, msg.Channel, msg.ChatID, src.Label, png); err != nil {
		r.log.Warn("send image", "error", err)
		r.reply(ctx, conv, msg, "image upload failed")
	}
}

// Reply rendering and mode discovery.

var (
	targetSetRe  = regexp.MustCompile("Target set to `([^`]+)`")
	tmuxHeaderRe = regexp.MustCompile(`\[tmux ([^\]]+)\]`)
	streamModeRe = regexp.MustCompile(`\bstream_mode (on|off|auto)\b`)
)

// discover updates cached mode state from well-known phrases in the
// agent's reply.
func (r *Router) discover(conv *conversation, out string) {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if strings.Contains(out, "passthrough enabled.") {
		conv.mode = modePassthrough
	}
	if strings.Contains(out, "passthrough disabled.") {
		conv.mode = modeControl
	}
	if m := targetSetRe.FindStringSubmatch(out); m != nil {
		conv.target = m[1]
	} else if m := tmuxHeaderRe.FindStringSubmatch(out); m != nil {
		conv.target = m[1]
	}
	if m := streamModeRe.FindStringSubmatch(out); m != nil {
		conv.streamMode = m[1]
	}
	// Keep the typed-command terminal selection in step with the
	// agent-side target when the title resolves.
	if conv.target != "" {
		for _, t := range r.bridge.State().Terminals {
			if t.Title == conv.target || t.TerminalID == conv.target {
				conv.selectedTerminalID = t.TerminalID
				break
			}
		}
	}
}

func (r *Router) header(conv *conversation) string {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	tag := conv.mode
	if conv.mode == modePassthrough && conv.target != "" {
		tag = modePassthrough + " " + conv.target
	}
	return "[mode] " + tag
}

func (r *Router) render(conv *conversation, body string) string {
	if body == "" {
		return r.header(conv)
	}
	return r.header(conv) + "\n" + body
}

func (r *Router) reply(ctx context.Context, conv *conversation, msg Message, text string) {
	if _, err := r.chat.SendMessage(ctx, msg.Channel, msg.ChatID, r.render(conv, text)); err != nil {
		r.log.Warn("send reply", "error", err)
	}
}

func (r *Router) renderState(conv *conversation) string {
	st := r.bridge.State()
	var b strings.Builder
	if st.Agent != nil {
		fmt.Fprintf(&b, "agent %s (%s on %s)\n", st.Agent.AgentID, st.Agent.Platform, st.Agent.Hostname)
	} else {
		b.WriteString("no agent connected\n")
	}
	b.WriteString(r.renderTerminals())
	conv.mu.Lock()
	fmt.Fprintf(&b, "\nstream_mode %s", conv.streamMode)
	conv.mu.Unlock()
	return b.String()
}

func (r *Router) renderTerminals() string {
	st := r.bridge.State()
	if len(st.Terminals) == 0 {
		return "no terminals"
	}
	var b strings.Builder
	for i, t := range st.Terminals {
		mark := " "
		if !t.IsActive {
			mark = "x"
		}
		fmt.Fprintf(&b, "%d. [%s] %s (%s)\n", i+1, mark, t.Title, t.TerminalID)
	}
	return strings.TrimRight(b.String(), "\n")
}

const controlHelp = `commands:
  list                 terminals on the agent
  state                session overview
  new [title]          create a terminal
  use <ref>            pick the target terminal
  attach [ref]         enter passthrough mode
  close [ref]          close a terminal
  key <keyspec>        send a named key
  ctrlc / ctrld        interrupt / eof
  capture              grab a screen or window
  <ref>: <text>        one line to a specific terminal
  /tmux ...            raw agent command
in passthrough, plain text goes to the terminal; .exit returns`
