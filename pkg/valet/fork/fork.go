// Package fork tracks the mutually-exclusive fork modes of the process and
// the per-fork policy state the agent tools consult. A background fork is
// invisible by default (output discarded unless it reports or saves); an
// interactive fork is user-visible and idle-watched. Chain context for
// bounded self-rescheduling lives here too.
package fork

import (
	"sync"
	"time"

	"github.com/valetbot/valet/pkg/valet/clock"
	"github.com/valetbot/valet/pkg/valet/schedule"
)

// Mode is the process-wide fork mode.
type Mode int

const (
	ModeNone Mode = iota
	ModeBackground
	ModeInteractive
)

// ExitAction is how a fork asked to end, set by a tool call or the
// idle watchdog.
type ExitAction int

const (
	ExitNone ExitAction = iota
	ExitSave
	ExitReport
	ExitExit
)

// DefaultIdleTimeout is the interactive-fork idle window.
const DefaultIdleTimeout = 10 * time.Minute

// Policy is the resolved per-fire fork policy (see schedule.Policy).
type Policy struct {
	UpdateMainSession schedule.UpdateMode
	AllowPing         bool
	AllowedTools      []string
	BlockedTools      []string
}

// PolicyFrom resolves a schedule policy into its runtime form.
func PolicyFrom(p schedule.Policy) Policy {
	mode := p.UpdateMainSession
	if mode == "" {
		mode = schedule.UpdateOnPing
	}
	return Policy{
		UpdateMainSession: mode,
		AllowPing:         p.AllowPing,
		AllowedTools:      p.AllowedTools,
		BlockedTools:      p.BlockedTools,
	}
}

// BgSnapshot is the background-fork bookkeeping read by the stop hook and
// the promotion logic.
type BgSnapshot struct {
	ForkSaved  bool
	PingCount  int
	OutputSent bool
	Reported   bool
	Policy     Policy
}

// State is the process-singleton fork state. Initialized on startup and
// mutated only by the orchestrator and tool handlers.
type State struct {
	clk clock.Clock

	mu   sync.Mutex
	mode Mode

	// Background sub-state.
	forkSaved  bool
	pingCount  int
	outputSent bool
	reported   bool
	bgPolicy   Policy

	// Interactive sub-state.
	idleTimeout  time.Duration
	lastActivity time.Time
	promptedAt   time.Time

	exitAction  ExitAction
	exitSummary string

	chain *ChainContext
}

// NewState creates an idle fork state.
func NewState(clk clock.Clock) *State {
	return &State{clk: clk, idleTimeout: DefaultIdleTimeout}
}

// Mode returns the current fork mode.
func (s *State) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// InBackground reports whether a background fork is active.
func (s *State) InBackground() bool { return s.Mode() == ModeBackground }

// InInteractive reports whether an interactive fork is active.
func (s *State) InInteractive() bool { return s.Mode() == ModeInteractive }

// EnterBackground switches to background mode, resetting all derived flags.
func (s *State) EnterBackground(policy Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	s.mode = ModeBackground
	s.bgPolicy = policy
}

// EnterInteractive switches to interactive mode, resetting all derived
// flags. A non-positive idleTimeout keeps the default.
func (s *State) EnterInteractive(idleTimeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	s.mode = ModeInteractive
	if idleTimeout > 0 {
		s.idleTimeout = idleTimeout
	}
	s.lastActivity = s.clk.Now()
}

// Exit returns to no-fork mode and clears every sub-state flag.
func (s *State) Exit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// reset clears derived flags. Must hold mu.
func (s *State) reset() {
	s.mode = ModeNone
	s.forkSaved = false
	s.pingCount = 0
	s.outputSent = false
	s.reported = false
	s.bgPolicy = Policy{}
	s.idleTimeout = DefaultIdleTimeout
	s.lastActivity = time.Time{}
	s.promptedAt = time.Time{}
	s.exitAction = ExitNone
	s.exitSummary = ""
}

// BgPolicy returns the active background-fork policy.
func (s *State) BgPolicy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bgPolicy
}

// Bg returns the background bookkeeping snapshot.
func (s *State) Bg() BgSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BgSnapshot{
		ForkSaved:  s.forkSaved,
		PingCount:  s.pingCount,
		OutputSent: s.outputSent,
		Reported:   s.reported,
		Policy:     s.bgPolicy,
	}
}

// RecordPing increments the ping count and marks output as sent.
func (s *State) RecordPing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingCount++
	s.outputSent = true
}

// MarkOutputSent records a user-facing message without counting it
// toward the non-critical ping limit (critical pings use this).
func (s *State) MarkOutputSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputSent = true
}

// NonCriticalPingCount returns how many pings this fork has emitted.
func (s *State) NonCriticalPingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingCount
}

// MarkReported records that report_updates was called at least once.
func (s *State) MarkReported() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reported = true
}

// MarkSaved records that the fork asked to be promoted.
func (s *State) MarkSaved() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forkSaved = true
}

// Touch updates last_activity; called on every user turn in an
// interactive fork. Clears a pending idle nudge.
func (s *State) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.clk.Now()
	s.promptedAt = time.Time{}
}

// MarkPrompted records that the idle nudge was sent.
func (s *State) MarkPrompted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptedAt = s.clk.Now()
}

// Prompted reports whether the idle nudge is outstanding.
func (s *State) Prompted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.promptedAt.IsZero()
}

// IsIdle reports whether the interactive fork has seen no activity for
// longer than the idle timeout.
func (s *State) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeInteractive || s.lastActivity.IsZero() {
		return false
	}
	return s.clk.Now().Sub(s.lastActivity) > s.idleTimeout
}

// ShouldAutoExit reports whether the idle nudge went unanswered for a
// further idle timeout.
func (s *State) ShouldAutoExit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeInteractive || s.promptedAt.IsZero() {
		return false
	}
	return s.clk.Now().Sub(s.promptedAt) > s.idleTimeout
}

// SetExitAction records how the fork wants to end.
func (s *State) SetExitAction(a ExitAction, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitAction = a
	s.exitSummary = summary
}

// PopExit drains the pending exit action, if any.
func (s *State) PopExit() (ExitAction, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitAction == ExitNone {
		return ExitNone, "", false
	}
	a, sum := s.exitAction, s.exitSummary
	s.exitAction = ExitNone
	s.exitSummary = ""
	return a, sum, true
}
