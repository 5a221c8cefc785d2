package gateway

import "context"

// Message is one inbound chat event, normalized across platforms.
type Message struct {
	Channel   string // platform identifier, e.g. "discord"
	ChatID    string // conversation id within the platform
	MessageID string // platform message or event id, used for dedup
	UserID    string
	Text      string
}

// ChatKey returns the per-conversation routing key.
func (m Message) ChatKey() string { return m.Channel + ":" + m.ChatID }

// Chat is the outbound chat-platform surface. Implementations wrap a
// platform SDK; all calls may block on network I/O.
type Chat interface {
	// SendMessage posts text and returns the new message id.
	SendMessage(ctx context.Context, channel, chatID, text string) (string, error)
	// SendImage posts a PNG with a caption and returns the message id.
	SendImage(ctx context.Context, channel, chatID, caption string, png []byte) (string, error)
	// DeleteMessage removes a previously posted message.
	DeleteMessage(ctx context.Context, channel, chatID, messageID string) error
	// React acknowledges an inbound message with an emoji.
	React(ctx context.Context, channel, chatID, messageID, emoji string) error
}
