package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfclaw/tfclaw/internal/wire"
)

// fakeMux scripts multiplexer behavior for driver tests.
type fakeMux struct {
	mu       sync.Mutex
	nextWin  int
	captures map[string]string // paneID -> rendered text
	capErr   map[string]error  // paneID -> capture failure
	sends    []string          // "literal:<text>" / "key:<key>" in order
	killed   []string
}

func newFakeMux() *fakeMux {
	return &fakeMux{captures: make(map[string]string), capErr: make(map[string]error)}
}

func (m *fakeMux) Reachable(context.Context) error { return nil }
func (m *fakeMux) HasSession(context.Context) bool { return true }
func (m *fakeMux) KillSession(context.Context) error {
	return nil
}
func (m *fakeMux) NewSession(context.Context, string, string) error { return nil }

func (m *fakeMux) NewWindow(_ context.Context, name, cwd string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextWin++
	win := fmt.Sprintf("@%d", m.nextWin)
	pane := fmt.Sprintf("%%%d", m.nextWin)
	m.captures[pane] = ""
	return win, pane, nil
}

func (m *fakeMux) KillWindow(_ context.Context, windowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killed = append(m.killed, windowID)
	return nil
}

func (m *fakeMux) SendLiteral(_ context.Context, paneID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, "literal:"+text)
	return nil
}

func (m *fakeMux) SendKey(_ context.Context, paneID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, "key:"+key)
	return nil
}

func (m *fakeMux) CapturePane(_ context.Context, paneID string, _ int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.capErr[paneID]; err != nil {
		return "", err
	}
	return m.captures[paneID], nil
}

func (m *fakeMux) PaneCommand(context.Context, string) (string, error) { return "bash", nil }

func (m *fakeMux) setCapture(paneID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captures[paneID] = text
}

// fakePub collects published frames.
type fakePub struct {
	mu     sync.Mutex
	frames []*wire.Frame
}

func (p *fakePub) Publish(data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		panic(err)
	}
	p.mu.Lock()
	p.frames = append(p.frames, f)
	p.mu.Unlock()
}

func (p *fakePub) ofType(typ string) []*wire.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*wire.Frame
	for _, f := range p.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (p *fakePub) reset() {
	p.mu.Lock()
	p.frames = nil
	p.mu.Unlock()
}

func testDriver(t *testing.T) (*Driver, *fakeMux, *fakePub) {
	t.Helper()
	cfg := &Config{
		Token:          "tkn-abcdefghij0123",
		RelayURL:       "ws://127.0.0.1:8080/ws",
		AgentID:        "agent-test",
		StartTerminals: 0,
		MaxLocalBuffer: 12_000,
		Tmux: TmuxConfig{
			Command:       "tmux",
			SessionName:   "test",
			CaptureLines:  300,
			MaxDeltaChars: 4000,
		},
	}
	m := newFakeMux()
	pub := &fakePub{}
	return NewDriver(cfg, m, pub, slog.New(slog.DiscardHandler)), m, pub
}

func TestCreateTerminalPublishesNotice(t *testing.T) {
	d, _, pub := testDriver(t)
	ctx := context.Background()

	tm, err := d.createTerminal(ctx, "shell", "", true)
	require.NoError(t, err)
	assert.Equal(t, "shell", tm.title)
	assert.True(t, tm.active)

	outputs := pub.ofType(wire.TypeAgentTerminalOutput)
	require.Len(t, outputs, 1)
	var out wire.TerminalOutput
	require.NoError(t, outputs[0].Unmarshal(&out))
	assert.Equal(t, tm.id, out.TerminalID)
	assert.Contains(t, out.Chunk, "created")
	assert.Contains(t, out.Chunk, "shell")
}

func TestTerminalIDIsUUID(t *testing.T) {
	d, _, _ := testDriver(t)
	tm, err := d.createTerminal(context.Background(), "shell", "", false)
	require.NoError(t, err)
	_, err = uuid.Parse(tm.id)
	assert.NoError(t, err)
}

func TestCloseUnknownTerminal(t *testing.T) {
	d, _, _ := testDriver(t)
	err := d.closeTerminal(context.Background(), "t-nope")
	assert.ErrorIs(t, err, errTerminalNotFound)
}

func TestCloseTerminalKillsWindow(t *testing.T) {
	d, m, _ := testDriver(t)
	ctx := context.Background()
	tm, err := d.createTerminal(ctx, "shell", "", false)
	require.NoError(t, err)

	require.NoError(t, d.closeTerminal(ctx, tm.id))
	assert.Equal(t, []string{tm.windowID}, m.killed)
	_, ok := d.resolveTerminal(tm.id)
	assert.False(t, ok)
}

func TestWriteInputActionOrder(t *testing.T) {
	d, m, _ := testDriver(t)
	ctx := context.Background()
	tm, err := d.createTerminal(ctx, "shell", "", false)
	require.NoError(t, err)

	require.NoError(t, d.writeInput(ctx, tm.id, "ls -la\n"))
	assert.Equal(t, []string{"literal:ls -la", "key:Enter"}, m.sends)
}

func TestWriteInputShortcut(t *testing.T) {
	d, m, _ := testDriver(t)
	ctx := context.Background()
	tm, err := d.createTerminal(ctx, "shell", "", false)
	require.NoError(t, err)

	require.NoError(t, d.writeInput(ctx, tm.id, "__CTRL_C__"))
	assert.Equal(t, []string{"key:C-c"}, m.sends)
}

func TestSweepEmitsDeltas(t *testing.T) {
	d, m, pub := testDriver(t)
	ctx := context.Background()
	tm, err := d.createTerminal(ctx, "shell", "", false)
	require.NoError(t, err)
	pub.reset()

	m.setCapture(tm.paneID, "$ ls")
	d.Sweep(ctx)
	outputs := pub.ofType(wire.TypeAgentTerminalOutput)
	require.Len(t, outputs, 1)
	var out wire.TerminalOutput
	require.NoError(t, outputs[0].Unmarshal(&out))
	assert.Equal(t, "$ ls", out.Chunk)

	// Unchanged screen emits nothing.
	pub.reset()
	d.Sweep(ctx)
	assert.Empty(t, pub.ofType(wire.TypeAgentTerminalOutput))

	// Appended output emits only the suffix.
	m.setCapture(tm.paneID, "$ ls\nfile.txt")
	d.Sweep(ctx)
	outputs = pub.ofType(wire.TypeAgentTerminalOutput)
	require.Len(t, outputs, 1)
	require.NoError(t, outputs[0].Unmarshal(&out))
	assert.Equal(t, "\nfile.txt", out.Chunk)
}

func TestConcurrentCapturesDoNotDuplicateDeltas(t *testing.T) {
	// A snapshot refresh can land mid-sweep on the same terminal. The
	// captures must serialize, or two of them read the same baseline
	// and publish the same delta twice.
	d, m, pub := testDriver(t)
	ctx := context.Background()
	tm, err := d.createTerminal(ctx, "shell", "", false)
	require.NoError(t, err)
	pub.reset()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					d.captureOne(ctx, tm.id, true)
				}
			}
		}()
	}

	var text string
	for i := 0; i < 100; i++ {
		text += fmt.Sprintf("line %d\n", i)
		m.setCapture(tm.paneID, text)
	}
	close(stop)
	wg.Wait()
	d.captureOne(ctx, tm.id, true)

	// The screen only ever grows by appends, so the emitted deltas
	// concatenate back to exactly the final capture.
	var got strings.Builder
	for _, f := range pub.ofType(wire.TypeAgentTerminalOutput) {
		var out wire.TerminalOutput
		require.NoError(t, f.Unmarshal(&out))
		got.WriteString(out.Chunk)
	}
	assert.Equal(t, text, got.String())
}

func TestPaneDeathMarksInactive(t *testing.T) {
	d, m, pub := testDriver(t)
	ctx := context.Background()
	tm, err := d.createTerminal(ctx, "shell", "", false)
	require.NoError(t, err)
	pub.reset()

	m.mu.Lock()
	m.capErr[tm.paneID] = errors.New("tmux capture-pane: can't find pane: " + tm.paneID)
	m.mu.Unlock()

	d.Sweep(ctx)

	// The closure notice precedes the list republish.
	var sawOutput bool
	pub.mu.Lock()
	frames := append([]*wire.Frame{}, pub.frames...)
	pub.mu.Unlock()
	for _, f := range frames {
		switch f.Type {
		case wire.TypeAgentTerminalOutput:
			var out wire.TerminalOutput
			require.NoError(t, f.Unmarshal(&out))
			assert.Contains(t, out.Chunk, "[tmux pane closed: pane not found]")
			sawOutput = true
		case wire.TypeAgentTerminalList:
			require.True(t, sawOutput, "list republish must follow the closure notice")
			var list wire.TerminalList
			require.NoError(t, f.Unmarshal(&list))
			require.Len(t, list.Terminals, 1)
			assert.False(t, list.Terminals[0].IsActive)
		}
	}
	require.True(t, sawOutput)

	// A dead terminal is skipped on later sweeps.
	pub.reset()
	d.Sweep(ctx)
	assert.Empty(t, pub.frames)
}

func TestTransientCaptureErrorThrottled(t *testing.T) {
	d, m, pub := testDriver(t)
	ctx := context.Background()
	tm, err := d.createTerminal(ctx, "shell", "", false)
	require.NoError(t, err)
	pub.reset()

	m.mu.Lock()
	m.capErr[tm.paneID] = errors.New("tmux capture-pane: resource busy")
	m.mu.Unlock()

	d.Sweep(ctx)
	d.Sweep(ctx)
	d.Sweep(ctx)

	errs := pub.ofType(wire.TypeAgentError)
	require.Len(t, errs, 1)
	var ae wire.AgentError
	require.NoError(t, errs[0].Unmarshal(&ae))
	assert.Equal(t, wire.ErrTmuxCaptureFailed, ae.Code)
}

func TestResyncDoesNotEmit(t *testing.T) {
	d, m, pub := testDriver(t)
	ctx := context.Background()
	tm, err := d.createTerminal(ctx, "shell", "", false)
	require.NoError(t, err)
	pub.reset()

	m.setCapture(tm.paneID, "whole screen of history")
	d.resync(ctx)
	assert.Empty(t, pub.ofType(wire.TypeAgentTerminalOutput))

	// Baseline was taken, so the next sweep emits nothing either.
	d.Sweep(ctx)
	assert.Empty(t, pub.ofType(wire.TypeAgentTerminalOutput))
}

func TestHandleCommandCreatePublishesList(t *testing.T) {
	d, _, pub := testDriver(t)
	d.handleCommand(context.Background(), wire.ClientCommand{
		RequestID: "r1",
		Payload:   wire.Command{Command: wire.CmdTerminalCreate, Title: "build"},
	})
	lists := pub.ofType(wire.TypeAgentTerminalList)
	require.Len(t, lists, 1)
	var list wire.TerminalList
	require.NoError(t, lists[0].Unmarshal(&list))
	require.Len(t, list.Terminals, 1)
	assert.Equal(t, "build", list.Terminals[0].Title)
}

func TestHandleCommandInputUnknownTerminal(t *testing.T) {
	d, _, pub := testDriver(t)
	d.handleCommand(context.Background(), wire.ClientCommand{
		RequestID: "r2",
		Payload:   wire.Command{Command: wire.CmdTerminalInput, TerminalID: "t-missing", Data: "x"},
	})
	errs := pub.ofType(wire.TypeAgentError)
	require.Len(t, errs, 1)
	var ae wire.AgentError
	require.NoError(t, errs[0].Unmarshal(&ae))
	assert.Equal(t, wire.ErrTerminalNotFound, ae.Code)
	assert.Equal(t, "r2", ae.RequestID)
}

func TestHandleFrameUnknownTypeDropped(t *testing.T) {
	d, _, pub := testDriver(t)
	raw := []byte(`{"type":"mystery.frame","payload":{}}`)
	f, err := wire.Decode(raw)
	require.NoError(t, err)
	d.HandleFrame(context.Background(), f)
	assert.Empty(t, pub.frames)
}

func TestResolveTerminal(t *testing.T) {
	d, _, _ := testDriver(t)
	ctx := context.Background()
	t1, err := d.createTerminal(ctx, "shell", "", false)
	require.NoError(t, err)
	t2, err := d.createTerminal(ctx, "build", "", false)
	require.NoError(t, err)

	byID, ok := d.resolveTerminal(t1.id)
	require.True(t, ok)
	assert.Equal(t, t1, byID)

	byTitle, ok := d.resolveTerminal("build")
	require.True(t, ok)
	assert.Equal(t, t2, byTitle)

	byIndex, ok := d.resolveTerminal("1")
	require.True(t, ok)
	assert.Equal(t, t1, byIndex)

	_, ok = d.resolveTerminal("nope")
	assert.False(t, ok)
	_, ok = d.resolveTerminal("3")
	assert.False(t, ok)
}

func TestOnConnectRegistersAndLists(t *testing.T) {
	d, _, pub := testDriver(t)
	d.cfg.StartTerminals = 2
	d.OnConnect(context.Background())

	regs := pub.ofType(wire.TypeAgentRegister)
	require.Len(t, regs, 1)
	var desc wire.AgentDescriptor
	require.NoError(t, regs[0].Unmarshal(&desc))
	assert.Equal(t, "agent-test", desc.AgentID)

	lists := pub.ofType(wire.TypeAgentTerminalList)
	require.NotEmpty(t, lists)
	var list wire.TerminalList
	require.NoError(t, lists[len(lists)-1].Unmarshal(&list))
	assert.Len(t, list.Terminals, 2)

	// Reconnect does not double the terminal set.
	pub.reset()
	d.OnConnect(context.Background())
	lists = pub.ofType(wire.TypeAgentTerminalList)
	require.NotEmpty(t, lists)
	require.NoError(t, lists[len(lists)-1].Unmarshal(&list))
	assert.Len(t, list.Terminals, 2)
}

func TestSnapshotTailCappedLocally(t *testing.T) {
	d, m, _ := testDriver(t)
	d.cfg.MaxLocalBuffer = 10
	ctx := context.Background()
	tm, err := d.createTerminal(ctx, "shell", "", false)
	require.NoError(t, err)

	m.setCapture(tm.paneID, "0123456789abcdef")
	d.Sweep(ctx)

	d.mu.Lock()
	snap := tm.snapshot
	d.mu.Unlock()
	assert.Equal(t, "6789abcdef", snap)
}

func TestDescriptorMarshals(t *testing.T) {
	d, _, _ := testDriver(t)
	data, err := json.Marshal(d.descriptor())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"agentId":"agent-test"`)
}
