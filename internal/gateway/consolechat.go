package gateway

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"sync"
)

// ConsoleChat is a terminal-backed Chat for local runs and demos:
// outbound messages print to the writer, inbound lines arrive through
// ReadEvents. Images print as a short base64 stub.
type ConsoleChat struct {
	mu     sync.Mutex
	w      io.Writer
	nextID int
}

// NewConsoleChat builds a console chat writing to w.
func NewConsoleChat(w io.Writer) *ConsoleChat {
	return &ConsoleChat{w: w}
}

func (c *ConsoleChat) id() string {
	c.nextID++
	return "console-" + strconv.Itoa(c.nextID)
}

// SendMessage prints the text with its message id.
func (c *ConsoleChat) SendMessage(_ context.Context, _, _ string, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.id()
	fmt.Fprintf(c.w, "<%s>\n%s\n", id, text)
	return id, nil
}

// SendImage prints a stub with the image size.
func (c *ConsoleChat) SendImage(_ context.Context, _, _ string, caption string, png []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.id()
	fmt.Fprintf(c.w, "<%s> [image %s, %d bytes, %s...]\n", id, caption, len(png),
		base64.StdEncoding.EncodeToString(png[:min(16, len(png))]))
	return id, nil
}

// DeleteMessage prints a recall marker.
func (c *ConsoleChat) DeleteMessage(_ context.Context, _, _ string, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "<recalled %s>\n", messageID)
	return nil
}

// React prints the reaction.
func (c *ConsoleChat) React(_ context.Context, _, _ string, messageID, emoji string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "<react %s %s>\n", messageID, emoji)
	return nil
}

// ReadEvents turns lines from r into chat messages until EOF or ctx
// cancellation, then closes the returned channel.
func ReadEvents(ctx context.Context, r io.Reader) <-chan Message {
	out := make(chan Message)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		n := 0
		for scanner.Scan() {
			n++
			m := Message{
				Channel:   "console",
				ChatID:    "local",
				MessageID: "in-" + strconv.Itoa(n),
				UserID:    "local",
				Text:      scanner.Text(),
			}
			select {
			case <-ctx.Done():
				return
			case out <- m:
			}
		}
	}()
	return out
}
