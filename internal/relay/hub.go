package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tfclaw/tfclaw/internal/metrics"
	"github.com/tfclaw/tfclaw/internal/relay/config"
	"github.com/tfclaw/tfclaw/internal/wire"
)

// Hub owns the process-wide session map and quota counters, admits
// WebSocket upgrades and routes frames between agents and clients.
type Hub struct {
	cfg      *config.Config
	upgrades *ipRateLimiter

	mu       sync.Mutex
	sessions map[string]*session
	sockets  map[*socket]*session
	ipConns  map[string]int
}

// NewHub creates a Hub with empty session and quota maps.
func NewHub(cfg *config.Config) *Hub {
	return &Hub{
		cfg:      cfg,
		upgrades: newIPRateLimiter(cfg.UpgradeRateWindow, cfg.MaxUpgradesPerWindowPerIP),
		sessions: make(map[string]*session),
		sockets:  make(map[*socket]*session),
		ipConns:  make(map[string]int),
	}
}

// Counts returns the live session and socket counts for /health.
func (h *Hub) Counts() (sessions, sockets int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions), len(h.sockets)
}

// HandleUpgrade is the admission pipeline: rate limits and quotas,
// origin and credential checks, then the WebSocket accept and the
// per-socket read loop. Order follows the documented pipeline so each
// rejection carries its distinct status code.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if !h.upgrades.Allow(ip, time.Now()) {
		metrics.UpgradesRejected.WithLabelValues("rate_limited").Inc()
		http.Error(w, "too many upgrade attempts", http.StatusTooManyRequests)
		return
	}

	h.mu.Lock()
	overCap := len(h.sockets) >= h.cfg.MaxConnections
	overIPCap := h.ipConns[ip] >= h.cfg.MaxConnectionsPerIP
	h.mu.Unlock()
	if overCap || overIPCap {
		metrics.UpgradesRejected.WithLabelValues("over_capacity").Inc()
		http.Error(w, "relay at capacity", http.StatusServiceUnavailable)
		return
	}

	if origin := r.Header.Get("Origin"); origin != "" && !h.cfg.OriginAllowed(origin) {
		metrics.UpgradesRejected.WithLabelValues("origin").Inc()
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	role := r.URL.Query().Get("role")
	if role != RoleAgent && role != RoleClient {
		metrics.UpgradesRejected.WithLabelValues("bad_role").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("x-auth-token")
	}
	if err := h.cfg.ValidateToken(token); err != nil {
		metrics.UpgradesRejected.WithLabelValues("bad_token").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	_, haveSession := h.sessions[token]
	overSessionCap := !haveSession && len(h.sessions) >= h.cfg.MaxSessions
	h.mu.Unlock()
	if overSessionCap {
		metrics.UpgradesRejected.WithLabelValues("session_cap").Inc()
		http.Error(w, "session limit reached", http.StatusServiceUnavailable)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin policy is enforced above against the configured
		// allowlist; native apps send no Origin at all.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Debug("upgrade failed", "ip", ip, "error", err)
		return
	}
	c.SetReadLimit(h.cfg.MaxMessageBytes)

	sock := newSocket(&wsConn{c: c}, role, token, ip,
		newRateWindow(h.cfg.MessageRateWindow, h.cfg.MaxMessagesPerWindow))

	sess, ok := h.join(sock)
	if !ok {
		return
	}
	h.serve(r.Context(), sock, sess)
}

// join places an admitted socket in its session, creating the session
// on first use. Returns false when a client is refused by the
// per-session client cap.
func (h *Hub) join(sock *socket) (*session, bool) {
	h.mu.Lock()
	sess, ok := h.sessions[sock.token]
	if !ok {
		sess = newSession(sock.token, h.cfg.MaxSnapshotChars)
		h.sessions[sock.token] = sess
		metrics.SessionsActive.Inc()
	}
	h.mu.Unlock()

	switch sock.role {
	case RoleAgent:
		replaced := sess.attachAgent(sock)
		if replaced != nil {
			metrics.AgentsReplaced.Inc()
			slog.Info("agent replaced", "socket_id", sock.id, "ip", sock.ip)
			_ = replaced.conn.Close(CloseReplaced, "Replaced by a newer agent connection")
		}
	case RoleClient:
		if !sess.attachClient(sock, h.cfg.MaxClientsPerSession) {
			_ = sock.conn.Close(websocket.StatusPolicyViolation, "session client limit reached")
			h.reapEmpty(sess)
			return nil, false
		}
		// A joining client immediately sees the warm session view.
		if data, err := wire.Encode(wire.TypeRelayState, sess.composeState()); err == nil {
			_ = sock.send(data)
		}
	}

	h.mu.Lock()
	h.sockets[sock] = sess
	h.ipConns[sock.ip]++
	h.mu.Unlock()
	metrics.SocketsActive.WithLabelValues(sock.role).Inc()

	slog.Info("socket joined", "socket_id", sock.id, "role", sock.role, "ip", sock.ip)
	return sess, true
}

// serve runs the per-socket read loop until the peer goes away or a
// policy close fires.
func (h *Hub) serve(ctx context.Context, sock *socket, sess *session) {
	defer h.cleanup(sock)

	for {
		data, err := sock.conn.Read(ctx)
		if err != nil {
			slog.Debug("socket closed", "socket_id", sock.id, "role", sock.role, "ip", sock.ip, "error", err)
			return
		}
		sock.touch()

		if !sock.msgWindow.Allow(time.Now()) {
			h.sendAck(sock, "", false, "rate limit exceeded")
			_ = sock.conn.Close(websocket.StatusPolicyViolation, "rate limit exceeded")
			return
		}

		frame, err := wire.Decode(data)
		if err != nil {
			// Malformed frames are surfaced but keep the socket.
			h.sendAck(sock, "", false, "invalid message: "+err.Error())
			continue
		}
		metrics.FramesRouted.WithLabelValues(frame.Type).Inc()

		switch sock.role {
		case RoleAgent:
			h.routeAgent(sess, sock, frame, data)
		case RoleClient:
			h.routeClient(sess, sock, frame, data)
		}
	}
}

// cleanup detaches a closed socket, maintains the quota counters and
// deletes the session once it holds neither agent nor clients.
func (h *Hub) cleanup(sock *socket) {
	h.mu.Lock()
	sess, ok := h.sockets[sock]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sockets, sock)
	if h.ipConns[sock.ip]--; h.ipConns[sock.ip] <= 0 {
		delete(h.ipConns, sock.ip)
	}
	h.mu.Unlock()

	sock.conn.Terminate()
	metrics.SocketsActive.WithLabelValues(sock.role).Dec()

	member, empty := sess.detach(sock)
	if empty {
		h.reapEmpty(sess)
	} else if member {
		sess.broadcastState()
	}
}

// reapEmpty deletes a session from the map if it is still empty.
func (h *Hub) reapEmpty(sess *session) {
	sess.mu.Lock()
	empty := sess.agent == nil && len(sess.clients) == 0
	sess.mu.Unlock()
	if !empty {
		return
	}
	h.mu.Lock()
	if h.sessions[sess.token] == sess {
		delete(h.sessions, sess.token)
		metrics.SessionsActive.Dec()
	}
	h.mu.Unlock()
}

func (h *Hub) sendAck(sock *socket, requestID string, ok bool, msg string) {
	data, err := wire.Encode(wire.TypeRelayAck, wire.Ack{RequestID: requestID, OK: ok, Message: msg})
	if err != nil {
		return
	}
	_ = sock.send(data)
}

// RunHeartbeats pings every socket on the configured interval and
// terminates sockets that miss a pong or sit idle past the timeout.
// Blocks until ctx is cancelled.
func (h *Hub) RunHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.heartbeatTick(ctx)
			h.upgrades.Prune(time.Now())
		}
	}
}

func (h *Hub) heartbeatTick(ctx context.Context) {
	h.mu.Lock()
	socks := make([]*socket, 0, len(h.sockets))
	for s := range h.sockets {
		socks = append(socks, s)
	}
	h.mu.Unlock()

	for _, sock := range socks {
		lastSeen, alive := sock.liveness()
		if !alive || time.Since(lastSeen) > h.cfg.IdleTimeout {
			slog.Debug("terminating dead socket", "socket_id", sock.id, "role", sock.role, "ip", sock.ip)
			sock.conn.Terminate()
			continue
		}
		sock.clearAlive()
		go func(sock *socket) {
			pingCtx, cancel := context.WithTimeout(ctx, h.cfg.HeartbeatInterval)
			defer cancel()
			if err := sock.conn.Ping(pingCtx); err != nil {
				if !errors.Is(err, context.Canceled) {
					sock.conn.Terminate()
				}
				return
			}
			sock.markAlive()
		}(sock)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// wsConn adapts a coder/websocket connection to the conn interface.
// A write mutex serializes frame writes; the library allows only one
// in-flight Write per connection.
type wsConn struct {
	c       *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsConn) Send(ctx context.Context, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Close(code websocket.StatusCode, reason string) error {
	return w.c.Close(code, reason)
}

func (w *wsConn) Terminate() {
	_ = w.c.CloseNow()
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}
