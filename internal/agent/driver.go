// Package agent implements the terminal-hosting node: it drives an
// external terminal multiplexer, streams rendered-output deltas to the
// relay, and executes client commands (terminal lifecycle, input,
// screen capture, text commands).
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tfclaw/tfclaw/internal/agent/capture"
	"github.com/tfclaw/tfclaw/internal/agent/tmux"
	"github.com/tfclaw/tfclaw/internal/metrics"
	"github.com/tfclaw/tfclaw/internal/util/sanitize"
	"github.com/tfclaw/tfclaw/internal/util/textbuf"
	"github.com/tfclaw/tfclaw/internal/util/timefmt"
	"github.com/tfclaw/tfclaw/internal/wire"
)

const (
	maxWindowName    = 28
	captureErrWindow = 5 * time.Second
)

// mux is the multiplexer surface the driver needs. *tmux.Runner
// satisfies it; tests substitute a fake.
type mux interface {
	Reachable(ctx context.Context) error
	HasSession(ctx context.Context) bool
	KillSession(ctx context.Context) error
	NewSession(ctx context.Context, bootstrapWindow, cwd string) error
	NewWindow(ctx context.Context, name, cwd string) (windowID, paneID string, err error)
	KillWindow(ctx context.Context, windowID string) error
	SendLiteral(ctx context.Context, paneID, text string) error
	SendKey(ctx context.Context, paneID, key string) error
	CapturePane(ctx context.Context, paneID string, lines int) (string, error)
	PaneCommand(ctx context.Context, paneID string) (string, error)
}

// Publisher delivers an encoded frame to the relay. Frames published
// while disconnected are dropped.
type Publisher interface {
	Publish(frame []byte)
}

// terminal is one logical shell mapped to a multiplexer window.
type terminal struct {
	id       string
	title    string
	cwd      string
	windowID string
	paneID   string

	active      bool
	createdAt   time.Time
	updatedAt   time.Time
	lastCapture string
	snapshot    string
	foreground  string

	sendMu sync.Mutex // serializes input sends per pane
	capMu  sync.Mutex // serializes captures per terminal
}

// Driver owns the terminal set and translates wire commands into
// multiplexer operations.
type Driver struct {
	cfg *Config
	mux mux
	pub Publisher
	log *slog.Logger

	mu        sync.Mutex
	terminals map[string]*terminal
	order     []string // creation order, for stable listings
	sweeping  bool
	lastErrAt map[string]time.Time

	commands *commandInterpreter
	grabber  capture.Grabber
}

// NewDriver wires a driver over the given multiplexer and publisher.
func NewDriver(cfg *Config, m mux, pub Publisher, log *slog.Logger) *Driver {
	d := &Driver{
		cfg:       cfg,
		mux:       m,
		pub:       pub,
		log:       log,
		terminals: make(map[string]*terminal),
		lastErrAt: make(map[string]time.Time),
		grabber:   capture.New(),
	}
	d.commands = newCommandInterpreter(d)
	return d
}

// Bootstrap prepares the multiplexer session. It must run before the
// relay connection is opened.
func (d *Driver) Bootstrap(ctx context.Context) error {
	if err := d.mux.Reachable(ctx); err != nil {
		return fmt.Errorf("multiplexer unreachable: %w", err)
	}
	if d.cfg.Tmux.ResetOnBoot && d.mux.HasSession(ctx) {
		if err := d.mux.KillSession(ctx); err != nil {
			return fmt.Errorf("reset session: %w", err)
		}
	}
	if !d.mux.HasSession(ctx) {
		if err := d.mux.NewSession(ctx, d.cfg.Tmux.BootstrapWindow, d.cfg.DefaultCwd); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
	}
	return nil
}

// Shutdown optionally tears the session down.
func (d *Driver) Shutdown(ctx context.Context) {
	if d.cfg.Tmux.PersistSession {
		return
	}
	if err := d.mux.KillSession(ctx); err != nil {
		d.log.Warn("kill session on shutdown", "error", err)
	}
}

// OnConnect runs on every relay (re)connect: register, ensure the
// initial terminals exist, publish the list, and prime captures
// without emitting deltas.
func (d *Driver) OnConnect(ctx context.Context) {
	d.pub.Publish(wire.MustEncode(wire.TypeAgentRegister, d.descriptor()))

	d.mu.Lock()
	need := d.cfg.StartTerminals - len(d.order)
	d.mu.Unlock()
	for i := 0; i < need; i++ {
		if _, err := d.createTerminal(ctx, "", d.cfg.DefaultCwd, false); err != nil {
			d.log.Error("create initial terminal", "error", err)
		}
	}

	d.publishList()
	d.resync(ctx)
}

func (d *Driver) descriptor() wire.AgentDescriptor {
	host, _ := os.Hostname()
	return wire.AgentDescriptor{
		AgentID:     d.cfg.AgentID,
		Platform:    platformName(),
		Hostname:    host,
		ConnectedAt: timefmt.Now(),
	}
}

func platformName() string {
	switch runtime.GOOS {
	case "windows":
		return wire.PlatformWindows
	case "darwin":
		return wire.PlatformMacOS
	case "linux":
		return wire.PlatformLinux
	default:
		return wire.PlatformUnknown
	}
}

// HandleFrame processes one inbound frame. The relay forwards client
// commands verbatim; anything else is logged and dropped.
func (d *Driver) HandleFrame(ctx context.Context, f *wire.Frame) {
	switch f.Type {
	case wire.TypeClientCommand:
		var cc wire.ClientCommand
		if err := f.Unmarshal(&cc); err != nil {
			d.log.Warn("bad client.command payload", "error", err)
			return
		}
		d.handleCommand(ctx, cc)
	case wire.TypeRelayAck:
		// Relay acks to the agent are informational only.
	default:
		d.log.Warn("unsupported frame type", "type", f.Type)
	}
}

func (d *Driver) handleCommand(ctx context.Context, cc wire.ClientCommand) {
	cmd := cc.Payload
	switch cmd.Command {
	case wire.CmdTerminalCreate:
		if _, err := d.createTerminal(ctx, cmd.Title, cmd.Cwd, true); err != nil {
			d.sendError(wire.ErrTmuxCreateFailed, err.Error(), cc.RequestID)
			return
		}
		d.publishList()
	case wire.CmdTerminalClose:
		if err := d.closeTerminal(ctx, cmd.TerminalID); err != nil {
			d.sendError(wire.ErrTmuxCommandFailed, err.Error(), cc.RequestID)
			return
		}
		d.publishList()
	case wire.CmdTerminalInput:
		if err := d.writeInput(ctx, cmd.TerminalID, cmd.Data); err != nil {
			code := wire.ErrTmuxCommandFailed
			if err == errTerminalNotFound {
				code = wire.ErrTerminalNotFound
			}
			d.sendError(code, err.Error(), cc.RequestID)
		}
	case wire.CmdTerminalSnapshot:
		// The relay already answered from its cache; refresh ours so
		// the next state broadcast is current.
		d.captureOne(ctx, cmd.TerminalID, false)
	case wire.CmdCaptureList:
		d.handleCaptureList(cc.RequestID)
	case wire.CmdScreenCapture:
		d.handleScreenCapture(cmd, cc.RequestID)
	case wire.CmdTfclaw:
		d.commands.Run(ctx, cmd.SessionKey, cmd.Text, cc.RequestID)
	default:
		d.sendError(wire.ErrAgentCommandFailed, fmt.Sprintf("unknown command %q", cmd.Command), cc.RequestID)
	}
}

var errTerminalNotFound = fmt.Errorf("terminal not found")

func newTerminalID() string {
	return uuid.NewString()
}

// createTerminal spawns a window and registers the logical terminal.
// notice controls whether the synthetic creation line is emitted.
func (d *Driver) createTerminal(ctx context.Context, title, cwd string, notice bool) (*terminal, error) {
	d.mu.Lock()
	n := len(d.order) + 1
	d.mu.Unlock()

	if title == "" {
		title = fmt.Sprintf("terminal %d", n)
	}
	if cwd == "" {
		cwd = d.cfg.DefaultCwd
	}
	name := sanitize.WindowName(title, maxWindowName)

	windowID, paneID, err := d.mux.NewWindow(ctx, name, cwd)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	t := &terminal{
		id:        newTerminalID(),
		title:     title,
		cwd:       cwd,
		windowID:  windowID,
		paneID:    paneID,
		active:    true,
		createdAt: now,
		updatedAt: now,
	}

	d.mu.Lock()
	d.terminals[t.id] = t
	d.order = append(d.order, t.id)
	d.mu.Unlock()
	metrics.TerminalsActive.Inc()

	d.log.Info("terminal created", "terminal", t.id, "title", title, "window", windowID, "pane", paneID)
	if notice {
		d.publishOutput(t.id, fmt.Sprintf("[tmux window created: %s]\n", title))
	}
	return t, nil
}

func (d *Driver) closeTerminal(ctx context.Context, terminalID string) error {
	d.mu.Lock()
	t, ok := d.terminals[terminalID]
	if ok {
		delete(d.terminals, terminalID)
		for i, id := range d.order {
			if id == terminalID {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
	}
	d.mu.Unlock()
	if !ok {
		return errTerminalNotFound
	}
	metrics.TerminalsActive.Dec()
	if err := d.mux.KillWindow(ctx, t.windowID); err != nil {
		return err
	}
	d.log.Info("terminal closed", "terminal", terminalID)
	return nil
}

// writeInput translates and injects client input into a pane.
func (d *Driver) writeInput(ctx context.Context, terminalID, data string) error {
	d.mu.Lock()
	t, ok := d.terminals[terminalID]
	d.mu.Unlock()
	if !ok {
		return errTerminalNotFound
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	for _, a := range tmux.ParseInputActions(data) {
		var err error
		switch a.Kind {
		case tmux.ActionLiteral:
			err = d.mux.SendLiteral(ctx, t.paneID, a.Text)
		case tmux.ActionKey:
			err = d.mux.SendKey(ctx, t.paneID, a.Key)
		}
		if err != nil {
			return err
		}
	}

	d.mu.Lock()
	t.updatedAt = time.Now()
	d.mu.Unlock()
	return nil
}

// Sweep runs one capture-poll pass across all active terminals. A
// sweep that fires while another is running is skipped.
func (d *Driver) Sweep(ctx context.Context) {
	d.mu.Lock()
	if d.sweeping {
		d.mu.Unlock()
		return
	}
	d.sweeping = true
	ids := append([]string{}, d.order...)
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.sweeping = false
		d.mu.Unlock()
	}()

	metrics.CaptureSweeps.Inc()
	for _, id := range ids {
		d.captureOne(ctx, id, true)
	}
}

// captureOne refreshes one terminal's snapshot; emit controls whether
// a delta frame is published.
func (d *Driver) captureOne(ctx context.Context, terminalID string, emit bool) {
	d.mu.Lock()
	t, ok := d.terminals[terminalID]
	live := ok && t.active
	d.mu.Unlock()
	if !live {
		return
	}

	// A snapshot command can land mid-sweep; serialize so the two
	// captures cannot interleave their baseline updates and emit the
	// same delta twice.
	t.capMu.Lock()
	defer t.capMu.Unlock()

	d.mu.Lock()
	live = t.active
	d.mu.Unlock()
	if !live {
		return
	}

	next, err := d.mux.CapturePane(ctx, t.paneID, d.cfg.Tmux.CaptureLines)
	if err != nil {
		if tmux.IsNotFound(err) {
			d.paneClosed(t, "pane not found")
			return
		}
		d.throttledCaptureError(terminalID, err)
		return
	}

	if fg, err := d.mux.PaneCommand(ctx, t.paneID); err == nil {
		d.mu.Lock()
		t.foreground = fg
		d.mu.Unlock()
	}

	d.mu.Lock()
	prev := t.lastCapture
	d.mu.Unlock()

	chunk, ok := tmux.Delta(prev, next, d.cfg.Tmux.MaxDeltaChars)

	d.mu.Lock()
	t.lastCapture = next
	t.snapshot = textbuf.TailCap(next, d.cfg.MaxLocalBuffer)
	if ok {
		t.updatedAt = time.Now()
	}
	d.mu.Unlock()

	if ok && emit {
		metrics.DeltasEmitted.Inc()
		d.publishOutput(terminalID, chunk)
	}
}

// paneClosed marks a terminal dead, injects the closure notice, and
// republishes the list.
func (d *Driver) paneClosed(t *terminal, reason string) {
	d.mu.Lock()
	if !t.active {
		d.mu.Unlock()
		return
	}
	t.active = false
	t.updatedAt = time.Now()
	notice := fmt.Sprintf("\n[tmux pane closed: %s]\n", reason)
	t.snapshot = textbuf.Append(t.snapshot, notice, d.cfg.MaxLocalBuffer)
	d.mu.Unlock()

	d.log.Warn("pane closed", "terminal", t.id, "reason", reason)
	d.publishOutput(t.id, notice)
	d.publishList()
}

func (d *Driver) throttledCaptureError(terminalID string, err error) {
	d.mu.Lock()
	last := d.lastErrAt[terminalID]
	now := time.Now()
	throttled := now.Sub(last) < captureErrWindow
	if !throttled {
		d.lastErrAt[terminalID] = now
	}
	d.mu.Unlock()
	if throttled {
		return
	}
	d.log.Warn("capture failed", "terminal", terminalID, "error", err)
	d.sendError(wire.ErrTmuxCaptureFailed, err.Error(), "")
}

// resync refreshes every terminal's capture baseline without emitting
// deltas, so a reconnect does not replay the whole screen.
func (d *Driver) resync(ctx context.Context) {
	d.mu.Lock()
	ids := append([]string{}, d.order...)
	d.mu.Unlock()
	for _, id := range ids {
		d.captureOne(ctx, id, false)
	}
}

// publishList emits the current terminal summaries.
func (d *Driver) publishList() {
	d.mu.Lock()
	list := make([]wire.TerminalSummary, 0, len(d.order))
	for _, id := range d.order {
		t := d.terminals[id]
		list = append(list, wire.TerminalSummary{
			TerminalID:        t.id,
			Title:             t.title,
			Cwd:               t.cwd,
			IsActive:          t.active,
			UpdatedAt:         timefmt.Format(t.updatedAt),
			ForegroundCommand: t.foreground,
		})
	}
	d.mu.Unlock()
	d.pub.Publish(wire.MustEncode(wire.TypeAgentTerminalList, wire.TerminalList{Terminals: list}))
}

func (d *Driver) publishOutput(terminalID, chunk string) {
	d.pub.Publish(wire.MustEncode(wire.TypeAgentTerminalOutput, wire.TerminalOutput{
		TerminalID: terminalID,
		Chunk:      chunk,
		At:         timefmt.Now(),
	}))
}

func (d *Driver) sendError(code, message, requestID string) {
	d.pub.Publish(wire.MustEncode(wire.TypeAgentError, wire.AgentError{
		Code:      code,
		Message:   message,
		RequestID: requestID,
	}))
}

func (d *Driver) handleCaptureList(requestID string) {
	sources, winErr := d.grabber.Sources()
	if winErr != nil {
		// Window enumeration failed; screen sources still go out.
		d.sendError(wire.ErrWindowListFailed, winErr.Error(), requestID)
	}
	d.pub.Publish(wire.MustEncode(wire.TypeAgentCaptureSources, wire.CaptureSources{
		RequestID: requestID,
		Sources:   sources,
	}))
}

func (d *Driver) handleScreenCapture(cmd wire.Command, requestID string) {
	img, err := d.grabber.Grab(cmd.Source, cmd.SourceID)
	if err != nil {
		d.sendError(wire.ErrCaptureFailed, err.Error(), requestID)
		return
	}
	d.pub.Publish(wire.MustEncode(wire.TypeAgentScreenCapture, wire.ScreenCapture{
		Source:      cmd.Source,
		SourceID:    cmd.SourceID,
		TerminalID:  cmd.TerminalID,
		MimeType:    "image/png",
		ImageBase64: img,
		CapturedAt:  timefmt.Now(),
		RequestID:   requestID,
	}))
}

// resolveTerminal matches a ref against id, then title, then 1-based
// index in creation order.
func (d *Driver) resolveTerminal(ref string) (*terminal, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.terminals[ref]; ok {
		return t, true
	}
	for _, id := range d.order {
		if d.terminals[id].title == ref {
			return d.terminals[id], true
		}
	}
	var idx int
	if _, err := fmt.Sscanf(ref, "%d", &idx); err == nil && idx >= 1 && idx <= len(d.order) {
		return d.terminals[d.order[idx-1]], true
	}
	return nil, false
}

// firstTerminal returns the oldest live terminal.
func (d *Driver) firstTerminal() (*terminal, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.order {
		if d.terminals[id].active {
			return d.terminals[id], true
		}
	}
	return nil, false
}
