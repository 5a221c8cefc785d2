package agent

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/tfclaw/tfclaw/internal/wire"
)

const publishTimeout = 10 * time.Second

// newReconnectBackoff creates the relay reconnect schedule:
// 500ms → 10s, multiplier 2x, ±20% jitter.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// FrameHandler processes one inbound relay frame.
type FrameHandler interface {
	HandleFrame(ctx context.Context, f *wire.Frame)
	OnConnect(ctx context.Context)
}

// RelayClient maintains the agent's WebSocket connection to the relay,
// reconnecting with capped exponential backoff. Frames published while
// disconnected are dropped; the OnConnect resync restores state.
type RelayClient struct {
	wsURL   string
	handler FrameHandler
	log     *slog.Logger

	mu sync.Mutex
	ws *websocket.Conn
}

// NewRelayClient builds a client for the given relay URL and token.
func NewRelayClient(relayURL, token string, handler FrameHandler, log *slog.Logger) (*RelayClient, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("role", "agent")
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return &RelayClient{wsURL: u.String(), handler: handler, log: log}, nil
}

// Run connects and serves until ctx is canceled.
func (c *RelayClient) Run(ctx context.Context) {
	bo := newReconnectBackoff()
	for {
		if err := c.serveOnce(ctx, bo); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := bo.NextBackOff()
			c.log.Warn("relay connection lost", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

func (c *RelayClient) serveOnce(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	ws, _, err := websocket.Dial(ctx, c.wsURL, nil)
	if err != nil {
		return err
	}
	ws.SetReadLimit(wire.DefaultMaxMessageBytes)

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "")
	}()

	bo.Reset()
	c.log.Info("connected to relay")
	c.handler.OnConnect(ctx)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		f, err := wire.Decode(data)
		if err != nil {
			c.log.Warn("malformed frame from relay", "error", err)
			continue
		}
		c.handler.HandleFrame(ctx, f)
	}
}

// Publish sends one encoded frame to the relay. Drops silently when
// disconnected.
func (c *RelayClient) Publish(frame []byte) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, frame); err != nil {
		c.log.Warn("publish to relay failed", "error", err)
	}
}
