package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfclaw/tfclaw/internal/relay/config"
	"github.com/tfclaw/tfclaw/internal/wire"
)

// fakeConn records frames instead of writing to a network.
type fakeConn struct {
	mu          sync.Mutex
	sent        [][]byte
	closed      bool
	closeCode   websocket.StatusCode
	closeReason string
}

func (f *fakeConn) Send(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Read(context.Context) ([]byte, error) {
	return nil, errors.New("fakeConn has no read side")
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	return nil
}

func (f *fakeConn) Terminate() { _ = f.Close(websocket.StatusAbnormalClosure, "") }

func (f *fakeConn) Ping(context.Context) error { return nil }

func (f *fakeConn) frames(t *testing.T) []*wire.Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*wire.Frame, 0, len(f.sent))
	for _, data := range f.sent {
		fr, err := wire.Decode(data)
		require.NoError(t, err)
		out = append(out, fr)
	}
	return out
}

func (f *fakeConn) lastAck(t *testing.T) *wire.Ack {
	t.Helper()
	frames := f.frames(t)
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Type == wire.TypeRelayAck {
			var ack wire.Ack
			require.NoError(t, frames[i].Unmarshal(&ack))
			return &ack
		}
	}
	t.Fatal("no relay.ack sent")
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Host: "127.0.0.1", Port: 0, WSPath: "/ws",
		MaxSnapshotChars: 100, MaxMessageBytes: 256 * 1024,
		MaxConnections: 64, MaxConnectionsPerIP: 16,
		MaxSessions: 8, MaxClientsPerSession: 2,
		MessageRateWindow: 10 * time.Second, MaxMessagesPerWindow: 100,
		UpgradeRateWindow: time.Minute, MaxUpgradesPerWindowPerIP: 120,
		HeartbeatInterval: 20 * time.Second, IdleTimeout: 2 * time.Minute,
		TokenMinLength: 8, TokenMaxLength: 128,
	}
}

func newTestSocket(role, token string) (*socket, *fakeConn) {
	fc := &fakeConn{}
	return newSocket(fc, role, token, "10.0.0.1", newRateWindow(10*time.Second, 100)), fc
}

func TestSnapshotAppendTailCap(t *testing.T) {
	s := newSession("tkn-abcdefghij", 10)
	s.replaceTerminals([]wire.TerminalSummary{{TerminalID: "t1", Title: "shell"}})

	s.appendSnapshot("t1", "0123456789", "2026-01-01T00:00:00.000Z")
	s.appendSnapshot("t1", "abcdef", "2026-01-01T00:00:01.000Z")

	st := s.composeState()
	assert.Equal(t, "6789abcdef", st.Snapshots["t1"].Output)
	assert.True(t, st.Terminals[0].IsActive)
	assert.Equal(t, "2026-01-01T00:00:01.000Z", st.Terminals[0].UpdatedAt)
}

func TestSnapshotIgnoresUnknownTerminal(t *testing.T) {
	s := newSession("tkn-abcdefghij", 100)
	s.appendSnapshot("ghost", "boo", "")
	assert.Empty(t, s.composeState().Snapshots)
}

func TestReplaceTerminalsDropsOrphanSnapshots(t *testing.T) {
	s := newSession("tkn-abcdefghij", 100)
	s.replaceTerminals([]wire.TerminalSummary{{TerminalID: "t1"}, {TerminalID: "t2"}})
	s.appendSnapshot("t1", "a", "")
	s.appendSnapshot("t2", "b", "")

	s.replaceTerminals([]wire.TerminalSummary{{TerminalID: "t2"}})
	st := s.composeState()
	assert.NotContains(t, st.Snapshots, "t1")
	assert.Contains(t, st.Snapshots, "t2")
}

func TestComposeMinimalState(t *testing.T) {
	s := newSession("tkn-abcdefghij", 100)
	s.replaceTerminals([]wire.TerminalSummary{{TerminalID: "t1"}, {TerminalID: "t2"}})
	s.appendSnapshot("t1", "one", "")
	s.appendSnapshot("t2", "two", "")

	st := s.composeMinimalState("t2")
	require.Len(t, st.Terminals, 1)
	assert.Equal(t, "t2", st.Terminals[0].TerminalID)
	assert.Len(t, st.Snapshots, 1)
	assert.Equal(t, "two", st.Snapshots["t2"].Output)
}

func TestAgentReplacement(t *testing.T) {
	h := NewHub(testConfig())
	a1, fc1 := newTestSocket(RoleAgent, "tkn-xyz1234567")
	a2, _ := newTestSocket(RoleAgent, "tkn-xyz1234567")

	_, ok := h.join(a1)
	require.True(t, ok)
	_, ok = h.join(a2)
	require.True(t, ok)

	fc1.mu.Lock()
	defer fc1.mu.Unlock()
	assert.True(t, fc1.closed)
	assert.Equal(t, CloseReplaced, fc1.closeCode)
	assert.Equal(t, "Replaced by a newer agent connection", fc1.closeReason)
}

func TestClientCapPerSession(t *testing.T) {
	h := NewHub(testConfig()) // cap is 2
	c1, _ := newTestSocket(RoleClient, "tkn-abcdefghij")
	c2, _ := newTestSocket(RoleClient, "tkn-abcdefghij")
	c3, fc3 := newTestSocket(RoleClient, "tkn-abcdefghij")

	_, ok := h.join(c1)
	require.True(t, ok)
	_, ok = h.join(c2)
	require.True(t, ok)
	_, ok = h.join(c3)
	assert.False(t, ok)

	fc3.mu.Lock()
	defer fc3.mu.Unlock()
	assert.True(t, fc3.closed)
	assert.Equal(t, websocket.StatusPolicyViolation, fc3.closeCode)

	// Clients 1..N remain.
	sessions, sockets := h.Counts()
	assert.Equal(t, 1, sessions)
	assert.Equal(t, 2, sockets)
}

func TestClientJoinReceivesState(t *testing.T) {
	h := NewHub(testConfig())
	a, _ := newTestSocket(RoleAgent, "tkn-abcdefghij")
	sess, _ := h.join(a)

	// Agent publishes a terminal and streams output before any client.
	listRaw := wire.MustEncode(wire.TypeAgentTerminalList, wire.TerminalList{
		Terminals: []wire.TerminalSummary{{TerminalID: "t1", Title: "shell", IsActive: true}},
	})
	listFrame, _ := wire.Decode(listRaw)
	h.routeAgent(sess, a, listFrame, listRaw)

	outRaw := wire.MustEncode(wire.TypeAgentTerminalOutput, wire.TerminalOutput{TerminalID: "t1", Chunk: "hello\n"})
	outFrame, _ := wire.Decode(outRaw)
	h.routeAgent(sess, a, outFrame, outRaw)

	// Late-joining client's first frame is relay.state with the warm snapshot.
	c, fc := newTestSocket(RoleClient, "tkn-abcdefghij")
	_, ok := h.join(c)
	require.True(t, ok)

	frames := fc.frames(t)
	require.NotEmpty(t, frames)
	assert.Equal(t, wire.TypeRelayState, frames[0].Type)
	var st wire.State
	require.NoError(t, frames[0].Unmarshal(&st))
	assert.Equal(t, "hello\n", st.Snapshots["t1"].Output)
}

func TestCommandWithoutAgent(t *testing.T) {
	h := NewHub(testConfig())
	c, fc := newTestSocket(RoleClient, "tkn-empty-0001")
	sess, ok := h.join(c)
	require.True(t, ok)

	raw := wire.MustEncode(wire.TypeClientCommand, wire.ClientCommand{
		RequestID: "r1",
		Payload:   wire.Command{Command: wire.CmdTerminalCreate, Title: "x"},
	})
	frame, _ := wire.Decode(raw)
	h.routeClient(sess, c, frame, raw)

	ack := fc.lastAck(t)
	assert.Equal(t, "r1", ack.RequestID)
	assert.False(t, ack.OK)
	assert.Equal(t, noAgentMessage, ack.Message)
}

func TestInputWithoutAgentOmitsRequestID(t *testing.T) {
	h := NewHub(testConfig())
	c, fc := newTestSocket(RoleClient, "tkn-empty-0001")
	sess, _ := h.join(c)

	raw := wire.MustEncode(wire.TypeClientCommand, wire.ClientCommand{
		RequestID: "r2",
		Payload:   wire.Command{Command: wire.CmdTerminalInput, TerminalID: "t1", Data: "ls\n"},
	})
	frame, _ := wire.Decode(raw)
	h.routeClient(sess, c, frame, raw)

	ack := fc.lastAck(t)
	assert.Empty(t, ack.RequestID)
	assert.False(t, ack.OK)
}

func TestCommandForwardedAndAcked(t *testing.T) {
	h := NewHub(testConfig())
	a, fa := newTestSocket(RoleAgent, "tkn-abcdefghij")
	sess, _ := h.join(a)
	c, fc := newTestSocket(RoleClient, "tkn-abcdefghij")
	_, ok := h.join(c)
	require.True(t, ok)

	raw := wire.MustEncode(wire.TypeClientCommand, wire.ClientCommand{
		RequestID: "r3",
		Payload:   wire.Command{Command: wire.CmdTfclaw, Text: "list", SessionKey: "chat:1"},
	})
	frame, _ := wire.Decode(raw)
	h.routeClient(sess, c, frame, raw)

	// Agent received the frame verbatim.
	agentFrames := fa.frames(t)
	require.Len(t, agentFrames, 1)
	assert.Equal(t, wire.TypeClientCommand, agentFrames[0].Type)

	ack := fc.lastAck(t)
	assert.Equal(t, "r3", ack.RequestID)
	assert.True(t, ack.OK)
}

func TestInputForwardedWithoutAck(t *testing.T) {
	h := NewHub(testConfig())
	a, fa := newTestSocket(RoleAgent, "tkn-abcdefghij")
	sess, _ := h.join(a)
	c, fc := newTestSocket(RoleClient, "tkn-abcdefghij")
	_, _ = h.join(c)

	before := len(fc.frames(t)) // the join-time relay.state

	raw := wire.MustEncode(wire.TypeClientCommand, wire.ClientCommand{
		Payload: wire.Command{Command: wire.CmdTerminalInput, TerminalID: "t1", Data: "x"},
	})
	frame, _ := wire.Decode(raw)
	h.routeClient(sess, c, frame, raw)

	assert.Len(t, fa.frames(t), 1)
	assert.Len(t, fc.frames(t), before)
}

func TestSnapshotCommandRepliesMinimalState(t *testing.T) {
	h := NewHub(testConfig())
	a, _ := newTestSocket(RoleAgent, "tkn-abcdefghij")
	sess, _ := h.join(a)
	sess.replaceTerminals([]wire.TerminalSummary{{TerminalID: "t1"}})
	sess.appendSnapshot("t1", "warm", "")

	c, fc := newTestSocket(RoleClient, "tkn-abcdefghij")
	_, _ = h.join(c)

	raw := wire.MustEncode(wire.TypeClientCommand, wire.ClientCommand{
		RequestID: "r4",
		Payload:   wire.Command{Command: wire.CmdTerminalSnapshot, TerminalID: "t1"},
	})
	frame, _ := wire.Decode(raw)
	h.routeClient(sess, c, frame, raw)

	frames := fc.frames(t)
	last := frames[len(frames)-1]
	require.Equal(t, wire.TypeRelayState, last.Type)
	var st wire.State
	require.NoError(t, last.Unmarshal(&st))
	assert.Equal(t, "warm", st.Snapshots["t1"].Output)
}

func TestClientHello(t *testing.T) {
	h := NewHub(testConfig())
	c, fc := newTestSocket(RoleClient, "tkn-abcdefghij")
	sess, _ := h.join(c)

	raw := wire.MustEncode(wire.TypeClientHello, wire.ClientHello{ClientType: "viewer"})
	frame, _ := wire.Decode(raw)
	h.routeClient(sess, c, frame, raw)

	frames := fc.frames(t)
	// join state, then ack, then a fresh state.
	require.GreaterOrEqual(t, len(frames), 3)
	var ack wire.Ack
	require.NoError(t, frames[1].Unmarshal(&ack))
	assert.True(t, ack.OK)
	assert.Equal(t, "hello viewer", ack.Message)
	assert.Equal(t, wire.TypeRelayState, frames[2].Type)
}

func TestUnsupportedTypesNegativelyAcked(t *testing.T) {
	h := NewHub(testConfig())
	a, fa := newTestSocket(RoleAgent, "tkn-abcdefghij")
	sess, _ := h.join(a)

	raw := wire.MustEncode("client.hello", wire.ClientHello{ClientType: "chat"})
	frame, _ := wire.Decode(raw)
	h.routeAgent(sess, a, frame, raw)

	ack := fa.lastAck(t)
	assert.False(t, ack.OK)
	assert.True(t, strings.Contains(ack.Message, "unsupported message type"))
}

func TestCleanupDeletesEmptySession(t *testing.T) {
	h := NewHub(testConfig())
	c, _ := newTestSocket(RoleClient, "tkn-abcdefghij")
	_, _ = h.join(c)

	sessions, sockets := h.Counts()
	require.Equal(t, 1, sessions)
	require.Equal(t, 1, sockets)

	h.cleanup(c)
	sessions, sockets = h.Counts()
	assert.Zero(t, sessions)
	assert.Zero(t, sockets)
}

func TestCleanupRebroadcastsState(t *testing.T) {
	h := NewHub(testConfig())
	a, _ := newTestSocket(RoleAgent, "tkn-abcdefghij")
	_, _ = h.join(a)
	c, fc := newTestSocket(RoleClient, "tkn-abcdefghij")
	_, _ = h.join(c)

	before := len(fc.frames(t))
	h.cleanup(a)

	frames := fc.frames(t)
	require.Greater(t, len(frames), before)
	last := frames[len(frames)-1]
	assert.Equal(t, wire.TypeRelayState, last.Type)
	var st wire.State
	require.NoError(t, last.Unmarshal(&st))
	assert.Nil(t, st.Agent)

	sessions, _ := h.Counts()
	assert.Equal(t, 1, sessions)
}

func TestAgentErrorForwardedVerbatim(t *testing.T) {
	h := NewHub(testConfig())
	a, _ := newTestSocket(RoleAgent, "tkn-abcdefghij")
	sess, _ := h.join(a)
	c, fc := newTestSocket(RoleClient, "tkn-abcdefghij")
	_, _ = h.join(c)

	raw := wire.MustEncode(wire.TypeAgentError, wire.AgentError{
		Code: wire.ErrCaptureFailed, Message: "no display", RequestID: "r9",
	})
	frame, _ := wire.Decode(raw)
	h.routeAgent(sess, a, frame, raw)

	frames := fc.frames(t)
	last := frames[len(frames)-1]
	require.Equal(t, wire.TypeAgentError, last.Type)
	var ae wire.AgentError
	require.NoError(t, last.Unmarshal(&ae))
	assert.Equal(t, wire.ErrCaptureFailed, ae.Code)
	assert.Equal(t, "r9", ae.RequestID)
}
