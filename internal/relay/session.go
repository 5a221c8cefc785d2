package relay

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tfclaw/tfclaw/internal/util/textbuf"
	"github.com/tfclaw/tfclaw/internal/util/timefmt"
	"github.com/tfclaw/tfclaw/internal/wire"
)

// Socket roles.
const (
	RoleAgent  = "agent"
	RoleClient = "client"
)

// CloseReplaced is sent to an agent socket evicted by a newer agent
// connection for the same token.
const CloseReplaced websocket.StatusCode = 4000

const sendTimeout = 10 * time.Second

// conn abstracts the underlying WebSocket so routing can be tested
// without a network.
type conn interface {
	Send(ctx context.Context, data []byte) error
	Read(ctx context.Context) ([]byte, error)
	Close(code websocket.StatusCode, reason string) error
	Terminate()
	Ping(ctx context.Context) error
}

// socket is one admitted connection plus its liveness bookkeeping.
// The id correlates log lines across the socket's lifetime.
type socket struct {
	id        string
	conn      conn
	role      string
	token     string
	ip        string
	msgWindow *rateWindow

	mu       sync.Mutex
	lastSeen time.Time
	alive    bool
}

func newSocket(c conn, role, token, ip string, msgWindow *rateWindow) *socket {
	return &socket{
		id:        uuid.NewString(),
		conn:      c,
		role:      role,
		token:     token,
		ip:        ip,
		msgWindow: msgWindow,
		lastSeen:  time.Now(),
		alive:     true,
	}
}

// send writes one frame with a bounded deadline so a stalled peer
// cannot wedge session routing.
func (s *socket) send(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return s.conn.Send(ctx, data)
}

// touch marks the socket alive. Called on every inbound frame.
func (s *socket) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.alive = true
	s.mu.Unlock()
}

func (s *socket) clearAlive() {
	s.mu.Lock()
	s.alive = false
	s.mu.Unlock()
}

func (s *socket) markAlive() {
	s.mu.Lock()
	s.alive = true
	s.mu.Unlock()
}

func (s *socket) liveness() (lastSeen time.Time, alive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen, s.alive
}

// session is the per-token routing record: at most one agent, any
// number of clients up to the configured cap, plus the terminal
// summaries and the snapshot cache. All mutation goes through the
// session mutex so per-session routing is serialized.
type session struct {
	token            string
	maxSnapshotChars int

	mu        sync.Mutex
	agent     *socket
	agentInfo *wire.AgentDescriptor
	clients   map[*socket]struct{}
	terminals []wire.TerminalSummary
	snapshots map[string]wire.TerminalSnapshot
}

func newSession(token string, maxSnapshotChars int) *session {
	return &session{
		token:            token,
		maxSnapshotChars: maxSnapshotChars,
		clients:          make(map[*socket]struct{}),
		snapshots:        make(map[string]wire.TerminalSnapshot),
	}
}

// attachAgent installs sock as the session agent and returns the
// evicted prior agent, if any.
func (s *session) attachAgent(sock *socket) (replaced *socket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced = s.agent
	s.agent = sock
	s.agentInfo = nil
	return replaced
}

// attachClient adds a client socket, refusing once the session already
// holds maxClients.
func (s *session) attachClient(sock *socket, maxClients int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= maxClients {
		return false
	}
	s.clients[sock] = struct{}{}
	return true
}

// detach removes sock from the session. It reports whether the socket
// was a member and whether the session is now empty.
func (s *session) detach(sock *socket) (member, empty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agent == sock {
		s.agent = nil
		s.agentInfo = nil
		member = true
	} else if _, ok := s.clients[sock]; ok {
		delete(s.clients, sock)
		member = true
	}
	return member, s.agent == nil && len(s.clients) == 0
}

func (s *session) setAgentInfo(info *wire.AgentDescriptor) {
	s.mu.Lock()
	s.agentInfo = info
	s.mu.Unlock()
}

func (s *session) agentSocket() *socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// replaceTerminals swaps in the agent's latest summary list. Snapshots
// for terminals no longer listed are dropped so a snapshot is only
// reachable while its summary exists.
func (s *session) replaceTerminals(list []wire.TerminalSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminals = list
	known := make(map[string]struct{}, len(list))
	for _, t := range list {
		known[t.TerminalID] = struct{}{}
	}
	for id := range s.snapshots {
		if _, ok := known[id]; !ok {
			delete(s.snapshots, id)
		}
	}
}

// appendSnapshot appends a streamed chunk to the cached snapshot for
// terminalID, tail-capped, and bumps the matching summary. Chunks for
// unknown terminals are not cached (they are still forwarded live).
func (s *session) appendSnapshot(terminalID, chunk, at string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.terminals {
		if s.terminals[i].TerminalID == terminalID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	if at == "" {
		at = timefmt.Now()
	}
	s.terminals[idx].UpdatedAt = at
	s.terminals[idx].IsActive = true

	snap := s.snapshots[terminalID]
	snap.TerminalID = terminalID
	snap.Output = textbuf.Append(snap.Output, chunk, s.maxSnapshotChars)
	snap.UpdatedAt = at
	s.snapshots[terminalID] = snap
}

// composeState builds the full relay.state payload.
func (s *session) composeState() *wire.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.composeStateLocked()
}

func (s *session) composeStateLocked() *wire.State {
	terminals := make([]wire.TerminalSummary, len(s.terminals))
	copy(terminals, s.terminals)
	snapshots := make(map[string]wire.TerminalSnapshot, len(s.snapshots))
	for id, snap := range s.snapshots {
		snapshots[id] = snap
	}
	return &wire.State{
		Agent:     s.agentInfo,
		Terminals: terminals,
		Snapshots: snapshots,
	}
}

// composeMinimalState builds a relay.state holding only the named
// terminal's summary and snapshot, used for direct snapshot replies.
func (s *session) composeMinimalState(terminalID string) *wire.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &wire.State{
		Agent:     s.agentInfo,
		Terminals: []wire.TerminalSummary{},
		Snapshots: map[string]wire.TerminalSnapshot{},
	}
	for _, t := range s.terminals {
		if t.TerminalID == terminalID {
			st.Terminals = append(st.Terminals, t)
			break
		}
	}
	if snap, ok := s.snapshots[terminalID]; ok {
		st.Snapshots[terminalID] = snap
	}
	return st
}

// clientSockets returns a snapshot of the client set for fan-out.
func (s *session) clientSockets() []*socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*socket, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

// broadcast sends a frame to every client of the session.
func (s *session) broadcast(data []byte) {
	for _, c := range s.clientSockets() {
		if err := c.send(data); err != nil {
			// The read loop notices the dead socket; routing moves on.
			continue
		}
	}
}

// broadcastState composes and fans out a fresh relay.state.
func (s *session) broadcastState() {
	st := s.composeState()
	data, err := wire.Encode(wire.TypeRelayState, st)
	if err != nil {
		return
	}
	s.broadcast(data)
}
