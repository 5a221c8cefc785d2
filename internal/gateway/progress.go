package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tfclaw/tfclaw/internal/metrics"
)

// waitingNotice is the one-time placeholder posted in stream_mode off
// after the first progress update.
const waitingNotice = "Tfclaw is waiting for Generating..."

const progressQueueDepth = 64

// progressSession coalesces the streaming updates of one in-flight
// request into a single live chat message: each new body is posted and
// the previous one is deleted shortly after, so the chat never stacks
// progress lines.
type progressSession struct {
	chat        Chat
	channel     string
	chatID      string
	streamMode  string // on, off, auto
	recallDelay time.Duration
	log         *slog.Logger

	queue chan string
	done  chan struct{}

	mu         sync.Mutex
	stopped    bool
	lastBody   string
	lastMsgID  string
	firstSent  bool
	noticeSent bool
}

func newProgressSession(chat Chat, channel, chatID, streamMode string, recallDelay time.Duration, log *slog.Logger) *progressSession {
	s := &progressSession{
		chat:        chat,
		channel:     channel,
		chatID:      chatID,
		streamMode:  streamMode,
		recallDelay: recallDelay,
		log:         log,
		queue:       make(chan string, progressQueueDepth),
		done:        make(chan struct{}),
	}
	go s.run()
	return s
}

// Push enqueues one progress body. Bodies pushed after Stop, or past
// the queue depth, are dropped. The send happens under the mutex so it
// serializes with Stop's close.
func (s *progressSession) Push(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	select {
	case s.queue <- body:
	default:
	}
}

// Stop closes the queue; queued updates still drain.
func (s *progressSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.queue)
}

// Finish drains the queue, posts the final reply, and schedules the
// last progress message for deletion.
func (s *progressSession) Finish(ctx context.Context, text string) (string, error) {
	s.Stop()
	<-s.done

	id, err := s.chat.SendMessage(ctx, s.channel, s.chatID, text)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	last := s.lastMsgID
	s.lastMsgID = ""
	s.mu.Unlock()
	s.recall(last)
	return id, nil
}

func (s *progressSession) run() {
	defer close(s.done)
	for body := range s.queue {
		s.handle(body)
	}
}

// handle applies the coalescing rules to one update. Runs only on the
// session goroutine.
func (s *progressSession) handle(body string) {
	s.mu.Lock()
	if body == s.lastBody {
		s.mu.Unlock()
		return
	}
	s.lastBody = body
	mode := s.streamMode
	first := !s.firstSent
	notice := !s.noticeSent
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if mode == "off" {
		switch {
		case first:
			s.post(ctx, body, false)
		case notice:
			// The first update stays visible; only the notice is
			// replaced by the final reply.
			s.mu.Lock()
			s.noticeSent = true
			s.mu.Unlock()
			s.post(ctx, waitingNotice, false)
		}
		return
	}
	s.post(ctx, body, true)
}

// post sends one progress message and, when replacePrev is set,
// schedules the previous one for deletion.
func (s *progressSession) post(ctx context.Context, body string, replacePrev bool) {
	id, err := s.chat.SendMessage(ctx, s.channel, s.chatID, body)
	if err != nil {
		s.log.Warn("post progress", "error", err)
		return
	}
	metrics.ProgressUpdates.Inc()

	s.mu.Lock()
	prev := s.lastMsgID
	s.lastMsgID = id
	s.firstSent = true
	s.mu.Unlock()

	if replacePrev {
		s.recall(prev)
	}
}

// recall deletes a superseded progress message after the configured
// delay.
func (s *progressSession) recall(messageID string) {
	if messageID == "" {
		return
	}
	delay := s.recallDelay
	go func() {
		time.Sleep(delay)
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := s.chat.DeleteMessage(ctx, s.channel, s.chatID, messageID); err != nil {
			s.log.Warn("recall progress message", "error", err)
		}
	}()
}
