// Package streamer publishes agent text deltas progressively to the chat
// surface: a buffer collects deltas in arrival order while an editor
// goroutine periodically edits the live message, rolling over to a new
// message past the platform length limit and showing typing during quiet
// stretches.
package streamer

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// EditInterval is the editor wake cadence after the first flush.
	EditInterval = 500 * time.Millisecond

	// FirstFlushDelay is how soon the first partial message appears.
	FirstFlushDelay = 200 * time.Millisecond

	// MaxMsgLen is the platform's message length limit.
	MaxMsgLen = 2000
)

// NoResponseText is sent when a stream ends with nothing in the buffer.
const NoResponseText = "(no response)"

// Surface is the subset of the chat surface the streamer drives.
type Surface interface {
	SendMessage(ctx context.Context, text string) (messageID string, err error)
	EditMessage(ctx context.Context, messageID, text string) error
	Typing(ctx context.Context)
}

// Streamer owns one in-flight response.
type Streamer struct {
	surface Surface
	logger  *slog.Logger

	mu        sync.Mutex
	buf       strings.Builder
	published int // length already part of finalized messages
	msgID     string
	lastEdit  string
	closed    bool
	done      chan struct{}
}

// New creates a streamer for one agent turn.
func New(surface Surface, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		surface: surface,
		logger:  logger.With("component", "streamer"),
		done:    make(chan struct{}),
	}
}

// Write appends a delta. Safe to call from the transport goroutine.
func (s *Streamer) Write(delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf.WriteString(delta)
}

// Run edits the live message until Close. Blocks; start it alongside the
// agent turn.
func (s *Streamer) Run(ctx context.Context) {
	timer := time.NewTimer(FirstFlushDelay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.flush(ctx, false)
			timer.Reset(EditInterval)
		case <-s.done:
			s.flush(ctx, true)
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close marks the stream ended and triggers the final flush.
func (s *Streamer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

// pending returns the text not yet finalized into a previous message.
func (s *Streamer) pending() string {
	full := s.buf.String()
	if s.published >= len(full) {
		return ""
	}
	return full[s.published:]
}

// flush publishes the current buffer state. final forces the last edit
// and the no-response default.
func (s *Streamer) flush(ctx context.Context, final bool) {
	s.mu.Lock()
	pending := s.pending()

	// Roll over full chunks, finalizing each as its own message.
	for len(pending) > MaxMsgLen {
		chunk, rest := splitChunk(pending, MaxMsgLen)
		msgID := s.msgID
		s.msgID = ""
		s.lastEdit = ""
		s.published += len(chunk)
		pending = rest
		s.mu.Unlock()
		s.publish(ctx, msgID, chunk)
		s.mu.Lock()
	}

	switch {
	case pending == "" && final:
		if s.published == 0 {
			s.mu.Unlock()
			if _, err := s.surface.SendMessage(ctx, NoResponseText); err != nil {
				s.logger.Warn("failed to send fallback message", "error", err)
			}
			return
		}
		s.mu.Unlock()
		return
	case pending == "":
		// Stream open but quiet: show activity.
		s.mu.Unlock()
		s.surface.Typing(ctx)
		return
	case pending == s.lastEdit && !final:
		s.mu.Unlock()
		s.surface.Typing(ctx)
		return
	}

	msgID := s.msgID
	s.mu.Unlock()

	// lastEdit records only delivered content so a failed edit is retried
	// on the next interval.
	newID, ok := s.publish(ctx, msgID, pending)
	if !ok {
		return
	}
	s.mu.Lock()
	s.lastEdit = pending
	if msgID == "" && newID != "" {
		s.msgID = newID
	}
	s.mu.Unlock()
}

// publish edits msgID or sends a new message, returning the message id and
// whether delivery succeeded.
func (s *Streamer) publish(ctx context.Context, msgID, text string) (string, bool) {
	if msgID != "" {
		if err := s.surface.EditMessage(ctx, msgID, text); err != nil {
			s.logger.Warn("message edit failed", "error", err)
			return msgID, false
		}
		return msgID, true
	}
	newID, err := s.surface.SendMessage(ctx, text)
	if err != nil {
		s.logger.Warn("message send failed", "error", err)
		return "", false
	}
	return newID, true
}

// splitChunk cuts at the last newline or space before the limit so words
// survive the rollover intact.
func splitChunk(text string, limit int) (string, string) {
	if len(text) <= limit {
		return text, ""
	}
	cut := limit
	if idx := strings.LastIndexByte(text[:limit], '\n'); idx > limit/2 {
		cut = idx + 1
	} else if idx := strings.LastIndexByte(text[:limit], ' '); idx > limit/2 {
		cut = idx + 1
	}
	return text[:cut], text[cut:]
}
