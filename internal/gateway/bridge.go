// Package gateway bridges a chat platform to a relay session: it
// interprets slash commands, forwards them as client.command frames,
// and coalesces streaming progress into a single live chat message.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/tfclaw/tfclaw/internal/wire"
)

const (
	earlyEventTTL  = 60 * time.Second
	progressBuffer = 64
	sendTimeout    = 10 * time.Second
)

// ErrRelayDisconnected rejects pending waits when the relay socket
// drops.
var ErrRelayDisconnected = errors.New("relay disconnected")

// Outcome is the terminal event of one request: exactly one of the
// typed fields is set, or Err.
type Outcome struct {
	Result  *wire.CommandResult
	Sources []wire.CaptureSource
	Capture *wire.ScreenCapture
	Err     error
}

// waiter receives the events for one in-flight requestId.
type Waiter struct {
	progress chan wire.CommandResult
	outcome  chan Outcome
}

// earlyEvents buffers events that arrived before their waiter
// registered (a race through the relay).
type earlyEvents struct {
	progress []wire.CommandResult
	outcome  *Outcome
	at       time.Time
}

// Bridge is the gateway's client-role relay connection. It owns the
// waiter registry and the latest relay.state.
type Bridge struct {
	wsURL string
	log   *slog.Logger

	mu      sync.Mutex
	ws      *websocket.Conn
	pending map[string]*Waiter
	early   map[string]*earlyEvents
	state   wire.State
}

// NewBridge builds a bridge for the given relay URL and token.
func NewBridge(relayURL, token string, log *slog.Logger) (*Bridge, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("role", "client")
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return &Bridge{
		wsURL:   u.String(),
		log:     log,
		pending: make(map[string]*Waiter),
		early:   make(map[string]*earlyEvents),
	}, nil
}

// Run connects and serves until ctx is canceled, reconnecting with
// capped exponential backoff.
func (b *Bridge) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0.2
	bo.Reset()

	go b.sweepEarly(ctx)

	for {
		if err := b.serveOnce(ctx, bo); err != nil {
			b.rejectAll(ErrRelayDisconnected)
			if ctx.Err() != nil {
				return
			}
			delay := bo.NextBackOff()
			b.log.Warn("relay connection lost", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

func (b *Bridge) serveOnce(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	ws, _, err := websocket.Dial(ctx, b.wsURL, nil)
	if err != nil {
		return err
	}
	ws.SetReadLimit(wire.DefaultMaxMessageBytes)

	b.mu.Lock()
	b.ws = ws
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.ws = nil
		b.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "")
	}()

	bo.Reset()
	b.log.Info("connected to relay")
	b.send(wire.MustEncode(wire.TypeClientHello, wire.ClientHello{ClientType: wire.ClientTypeChat}))

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		f, err := wire.Decode(data)
		if err != nil {
			b.log.Warn("malformed frame from relay", "error", err)
			continue
		}
		b.dispatch(f)
	}
}

func (b *Bridge) send(frame []byte) error {
	b.mu.Lock()
	ws := b.ws
	b.mu.Unlock()
	if ws == nil {
		return ErrRelayDisconnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, frame)
}

// Send forwards one command with a fresh requestId. The waiter must be
// registered with Register before calling Send to observe the result.
func (b *Bridge) Send(requestID string, cmd wire.Command) error {
	return b.send(wire.MustEncode(wire.TypeClientCommand, wire.ClientCommand{
		RequestID: requestID,
		Payload:   cmd,
	}))
}

// Register opens a waiter for requestId and replays any buffered early
// events in order.
func (b *Bridge) Register(requestID string) *Waiter {
	w := &Waiter{
		progress: make(chan wire.CommandResult, progressBuffer),
		outcome:  make(chan Outcome, 1),
	}
	b.mu.Lock()
	b.pending[requestID] = w
	buf := b.early[requestID]
	delete(b.early, requestID)
	b.mu.Unlock()

	if buf != nil {
		for _, p := range buf.progress {
			w.deliverProgress(p)
		}
		if buf.outcome != nil {
			w.outcome <- *buf.outcome
		}
	}
	return w
}

// Unregister drops the waiter for requestId.
func (b *Bridge) Unregister(requestID string) {
	b.mu.Lock()
	delete(b.pending, requestID)
	b.mu.Unlock()
}

// Wait blocks for the outcome, feeding progress updates to onProgress
// in FIFO order.
func (w *Waiter) Wait(ctx context.Context, onProgress func(wire.CommandResult)) (Outcome, error) {
	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case p := <-w.progress:
			if onProgress != nil {
				onProgress(p)
			}
		case out := <-w.outcome:
			// Drain progress that arrived before the outcome.
			for {
				select {
				case p := <-w.progress:
					if onProgress != nil {
						onProgress(p)
					}
				default:
					if out.Err != nil {
						return Outcome{}, out.Err
					}
					return out, nil
				}
			}
		}
	}
}

func (w *Waiter) deliverProgress(p wire.CommandResult) {
	select {
	case w.progress <- p:
	default:
		// Queue full; drop the oldest semantics are not needed, the
		// next snapshot supersedes.
	}
}

// State returns the latest relay.state.
func (b *Bridge) State() wire.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) dispatch(f *wire.Frame) {
	switch f.Type {
	case wire.TypeRelayState:
		var st wire.State
		if err := f.Unmarshal(&st); err != nil {
			b.log.Warn("bad relay.state", "error", err)
			return
		}
		b.mu.Lock()
		b.state = st
		b.mu.Unlock()

	case wire.TypeAgentCommandResult:
		var res wire.CommandResult
		if err := f.Unmarshal(&res); err != nil {
			b.log.Warn("bad command_result", "error", err)
			return
		}
		if res.Progress {
			b.deliverProgress(res.RequestID, res)
		} else {
			b.deliverOutcome(res.RequestID, Outcome{Result: &res})
		}

	case wire.TypeAgentCaptureSources:
		var cs wire.CaptureSources
		if err := f.Unmarshal(&cs); err != nil {
			b.log.Warn("bad capture_sources", "error", err)
			return
		}
		b.deliverOutcome(cs.RequestID, Outcome{Sources: cs.Sources})

	case wire.TypeAgentScreenCapture:
		var sc wire.ScreenCapture
		if err := f.Unmarshal(&sc); err != nil {
			b.log.Warn("bad screen_capture", "error", err)
			return
		}
		b.deliverOutcome(sc.RequestID, Outcome{Capture: &sc})

	case wire.TypeAgentError:
		var ae wire.AgentError
		if err := f.Unmarshal(&ae); err != nil {
			b.log.Warn("bad agent.error", "error", err)
			return
		}
		if ae.RequestID != "" {
			b.deliverOutcome(ae.RequestID, Outcome{Err: fmt.Errorf("command failed: %s", ae.Message)})
		} else {
			b.log.Warn("agent error", "code", ae.Code, "message", ae.Message)
		}

	case wire.TypeRelayAck:
		var ack wire.Ack
		if err := f.Unmarshal(&ack); err != nil {
			return
		}
		if !ack.OK && ack.RequestID != "" {
			b.deliverOutcome(ack.RequestID, Outcome{Err: errors.New(ack.Message)})
		}

	case wire.TypeAgentTerminalOutput:
		// The gateway renders captures on demand, not live deltas.

	default:
		b.log.Warn("unsupported frame type", "type", f.Type)
	}
}

func (b *Bridge) deliverProgress(requestID string, res wire.CommandResult) {
	if requestID == "" {
		return
	}
	b.mu.Lock()
	w, ok := b.pending[requestID]
	if !ok {
		buf := b.earlyLocked(requestID)
		buf.progress = append(buf.progress, res)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	w.deliverProgress(res)
}

func (b *Bridge) deliverOutcome(requestID string, out Outcome) {
	if requestID == "" {
		return
	}
	b.mu.Lock()
	w, ok := b.pending[requestID]
	if !ok {
		buf := b.earlyLocked(requestID)
		buf.outcome = &out
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	select {
	case w.outcome <- out:
	default:
	}
}

// earlyLocked returns the early buffer for requestId, creating it with
// a fresh TTL stamp. Caller holds b.mu.
func (b *Bridge) earlyLocked(requestID string) *earlyEvents {
	buf, ok := b.early[requestID]
	if !ok {
		buf = &earlyEvents{at: time.Now()}
		b.early[requestID] = buf
	}
	return buf
}

func (b *Bridge) sweepEarly(ctx context.Context) {
	ticker := time.NewTicker(earlyEventTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.mu.Lock()
			for id, buf := range b.early {
				if now.Sub(buf.at) > earlyEventTTL {
					delete(b.early, id)
				}
			}
			b.mu.Unlock()
		}
	}
}

func (b *Bridge) rejectAll(err error) {
	b.mu.Lock()
	waiters := b.pending
	b.pending = make(map[string]*Waiter)
	b.mu.Unlock()
	for _, w := range waiters {
		select {
		case w.outcome <- Outcome{Err: err}:
		default:
		}
	}
}
