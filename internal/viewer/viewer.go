// Package viewer is a thin interactive client over the wire protocol,
// used to exercise a relay/agent pair from a terminal.
package viewer

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/term"

	"github.com/tfclaw/tfclaw/internal/wire"
)

// detachByte ends raw-mode passthrough (Ctrl-]).
const detachByte = 0x1d

// Config holds the viewer's connection settings.
type Config struct {
	RelayURL string
	Token    string
	Raw      bool // start in raw passthrough instead of line mode
}

// Viewer is one interactive session.
type Viewer struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	ws       *websocket.Conn
	state    wire.State
	attached string // terminal id receiving output and input
}

// New builds a viewer.
func New(cfg Config, log *slog.Logger) *Viewer {
	return &Viewer{cfg: cfg, log: log}
}

// Run connects and serves until the user quits or ctx is canceled.
func (v *Viewer) Run(ctx context.Context) error {
	u, err := url.Parse(v.cfg.RelayURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("role", "client")
	q.Set("token", v.cfg.Token)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")
	ws.SetReadLimit(wire.DefaultMaxMessageBytes)
	v.mu.Lock()
	v.ws = ws
	v.mu.Unlock()

	if err := v.send(ctx, wire.MustEncode(wire.TypeClientHello, wire.ClientHello{ClientType: wire.ClientTypeViewer})); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		v.readLoop(ctx, ws)
	}()

	if v.cfg.Raw {
		return v.rawLoop(ctx)
	}
	return v.lineLoop(ctx)
}

func (v *Viewer) send(ctx context.Context, frame []byte) error {
	v.mu.Lock()
	ws := v.ws
	v.mu.Unlock()
	return ws.Write(ctx, websocket.MessageText, frame)
}

func (v *Viewer) sendCommand(ctx context.Context, cmd wire.Command) {
	frame := wire.MustEncode(wire.TypeClientCommand, wire.ClientCommand{
		RequestID: wire.NewRequestID(),
		Payload:   cmd,
	})
	if err := v.send(ctx, frame); err != nil {
		fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
	}
}

func (v *Viewer) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "\nrelay connection closed: %v\n", err)
			}
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			v.log.Warn("malformed frame", "error", err)
			continue
		}
		v.handle(f)
	}
}

func (v *Viewer) handle(f *wire.Frame) {
	switch f.Type {
	case wire.TypeRelayState:
		var st wire.State
		if err := f.Unmarshal(&st); err != nil {
			return
		}
		v.mu.Lock()
		v.state = st
		if v.attached == "" && len(st.Terminals) > 0 {
			v.attached = st.Terminals[0].TerminalID
		}
		attached := v.attached
		v.mu.Unlock()
		v.printState(st, attached)

	case wire.TypeAgentTerminalOutput:
		var out wire.TerminalOutput
		if err := f.Unmarshal(&out); err != nil {
			return
		}
		v.mu.Lock()
		attached := v.attached
		v.mu.Unlock()
		if out.TerminalID == attached {
			fmt.Fprint(os.Stdout, out.Chunk)
		}

	case wire.TypeRelayAck:
		var ack wire.Ack
		if err := f.Unmarshal(&ack); err != nil {
			return
		}
		if !ack.OK {
			fmt.Fprintf(os.Stderr, "! %s\n", ack.Message)
		}

	case wire.TypeAgentError:
		var ae wire.AgentError
		if err := f.Unmarshal(&ae); err != nil {
			return
		}
		fmt.Fprintf(os.Stderr, "! %s: %s\n", ae.Code, ae.Message)

	case wire.TypeAgentCommandResult:
		var res wire.CommandResult
		if err := f.Unmarshal(&res); err != nil {
			return
		}
		if !res.Progress {
			fmt.Fprintf(os.Stdout, "%s\n", res.Output)
		}
	}
}

func (v *Viewer) printState(st wire.State, attached string) {
	fmt.Fprintln(os.Stdout, "-- session state --")
	if st.Agent != nil {
		fmt.Fprintf(os.Stdout, "agent: %s (%s on %s)\n", st.Agent.AgentID, st.Agent.Platform, st.Agent.Hostname)
	} else {
		fmt.Fprintln(os.Stdout, "agent: none")
	}
	for i, t := range st.Terminals {
		mark := " "
		if t.TerminalID == attached {
			mark = "*"
		}
		fmt.Fprintf(os.Stdout, "%s %d. %s (%s)\n", mark, i+1, t.Title, t.TerminalID)
	}
	if snap, ok := st.Snapshots[attached]; ok && snap.Output != "" {
		fmt.Fprintln(os.Stdout, "-- snapshot --")
		fmt.Fprintln(os.Stdout, snap.Output)
	}
}

// lineLoop reads commands and input lines from stdin.
func (v *Viewer) lineLoop(ctx context.Context) error {
	fmt.Fprintln(os.Stdout, "line mode: /list /use <ref> /new [title] /close /raw /quit; plain text goes to the terminal")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Text()
		word, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch word {
		case "/quit", "/q":
			return nil
		case "/list":
			v.mu.Lock()
			st, attached := v.state, v.attached
			v.mu.Unlock()
			v.printState(st, attached)
		case "/use":
			v.use(strings.TrimSpace(rest))
		case "/new":
			v.sendCommand(ctx, wire.Command{Command: wire.CmdTerminalCreate, Title: strings.TrimSpace(rest)})
		case "/close":
			v.mu.Lock()
			attached := v.attached
			v.attached = ""
			v.mu.Unlock()
			if attached != "" {
				v.sendCommand(ctx, wire.Command{Command: wire.CmdTerminalClose, TerminalID: attached})
			}
		case "/raw":
			if err := v.rawLoop(ctx); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "\nback to line mode")
		default:
			v.input(ctx, line+"\n")
		}
	}
	return scanner.Err()
}

func (v *Viewer) use(ref string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, t := range v.state.Terminals {
		if t.TerminalID == ref || t.Title == ref {
			v.attached = t.TerminalID
			fmt.Fprintf(os.Stdout, "attached to %s\n", t.Title)
			return
		}
	}
	if idx, err := strconv.Atoi(ref); err == nil && idx >= 1 && idx <= len(v.state.Terminals) {
		v.attached = v.state.Terminals[idx-1].TerminalID
		fmt.Fprintf(os.Stdout, "attached to %s\n", v.state.Terminals[idx-1].Title)
		return
	}
	fmt.Fprintf(os.Stderr, "terminal not found: %s\n", ref)
}

func (v *Viewer) input(ctx context.Context, data string) {
	v.mu.Lock()
	attached := v.attached
	v.mu.Unlock()
	if attached == "" {
		fmt.Fprintln(os.Stderr, "no terminal attached; /new or /use first")
		return
	}
	v.sendCommand(ctx, wire.Command{Command: wire.CmdTerminalInput, TerminalID: attached, Data: data})
}

// rawLoop puts stdin in raw mode and forwards every byte until
// Ctrl-].
func (v *Viewer) rawLoop(ctx context.Context) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("raw mode needs a terminal on stdin")
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(fd, old)

	fmt.Fprint(os.Stdout, "raw mode, Ctrl-] to detach\r\n")
	buf := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return err
		}
		chunk := buf[:n]
		for i, b := range chunk {
			if b == detachByte {
				if i > 0 {
					v.input(ctx, string(chunk[:i]))
				}
				return nil
			}
		}
		v.input(ctx, string(chunk))
	}
}
