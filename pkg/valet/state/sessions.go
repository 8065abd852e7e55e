// sessions.go persists the owner's agent session id so conversation
// continuity survives restarts, and appends lineage events to
// session_history.jsonl (append-only, never pruned).
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/valetbot/valet/pkg/valet/atomicfile"
	"github.com/valetbot/valet/pkg/valet/clock"
)

// Session lifecycle events.
const (
	EventCreated   = "created"
	EventCompacted = "compacted"
	EventForked    = "forked"
	EventPromoted  = "promoted"
)

// sessionsFile is the shape of sessions.json.
type sessionsFile struct {
	SessionID string `json:"session_id"`
}

// HistoryEvent is one line of session_history.jsonl.
type HistoryEvent struct {
	SessionID       string    `json:"session_id"`
	ParentSessionID string    `json:"parent_session_id,omitempty"`
	Event           string    `json:"event"`
	Timestamp       time.Time `json:"timestamp"`
}

// Sessions tracks the live main-session id and its history log.
type Sessions struct {
	path        string
	historyPath string
	clk         clock.Clock
	logger      *slog.Logger
	mu          sync.Mutex
}

// NewSessions creates the store backed by sessions.json and
// session_history.jsonl.
func NewSessions(path, historyPath string, clk clock.Clock, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		path:        path,
		historyPath: historyPath,
		clk:         clk,
		logger:      logger.With("component", "sessions"),
	}
}

// Current returns the persisted main-session id, or "" when none exists.
func (s *Sessions) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return ""
	}
	var sf sessionsFile
	if err := json.Unmarshal(data, &sf); err != nil {
		s.logger.Warn("corrupt sessions file", "path", s.path, "error", err)
		return ""
	}
	return sf.SessionID
}

// Set persists a new main-session id and records the lineage event.
func (s *Sessions) Set(sessionID, parentID, event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(sessionsFile{SessionID: sessionID}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}
	if err := atomicfile.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write sessions: %w", err)
	}
	return s.appendEvent(HistoryEvent{
		SessionID:       sessionID,
		ParentSessionID: parentID,
		Event:           event,
		Timestamp:       s.clk.Now(),
	})
}

// RecordEvent appends a lineage event without changing the current id
// (e.g. forked, compacted).
func (s *Sessions) RecordEvent(sessionID, parentID, event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEvent(HistoryEvent{
		SessionID:       sessionID,
		ParentSessionID: parentID,
		Event:           event,
		Timestamp:       s.clk.Now(),
	})
}

// appendEvent writes one JSONL line. Must hold mu.
func (s *Sessions) appendEvent(ev HistoryEvent) error {
	f, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open session history: %w", err)
	}
	defer f.Close()
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal history event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append history event: %w", err)
	}
	return nil
}
