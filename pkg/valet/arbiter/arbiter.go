// Package arbiter gates every tool call from the agent through a reactive
// approval flow. Rules, in order: the orchestrator's own tools pass (their
// handlers carry their own gates); background forks get an outright deny
// (they run with only the pre-declared tool set); in don't-ask mode the
// per-session allow-list decides; otherwise an interactive approval message
// with APPROVE / DENY / ALWAYS buttons is posted and the arbiter waits up
// to 60 seconds. Waits select on the result channel, the timeout, the
// cancellation broadcast and the caller's context, never a bare blocking
// receive, so reset/cancel cannot corrupt the agent transport.
package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valetbot/valet/pkg/valet/fork"
)

// ApprovalTimeout is how long an interactive approval may stay unanswered.
const ApprovalTimeout = 60 * time.Second

// ownToolPrefix marks the orchestrator's own MCP tools. Pinging, update
// reporting and chain follow-ups arrive through here from background forks;
// their handlers enforce the budget and policy gates themselves.
const ownToolPrefix = "mcp__valet__"

// Verdict is the arbiter's decision for one tool call.
type Verdict struct {
	Allowed bool
	Reason  string
}

// Allow is the positive verdict.
func Allow() Verdict { return Verdict{Allowed: true} }

// Deny is the negative verdict with a reason surfaced to the agent.
func Deny(reason string) Verdict { return Verdict{Reason: reason} }

// Outcome is a button press on an approval message.
type Outcome int

const (
	OutcomeApprove Outcome = iota
	OutcomeDeny
	OutcomeAlways
)

// UI posts and finalizes approval messages on the active channel.
// FinalizeApproval edits the message in place (strike-through on deny);
// both are best-effort.
type UI interface {
	PostApproval(ctx context.Context, id, label string) error
	FinalizeApproval(id, text string)
}

// Arbiter holds the approval state for one owner.
type Arbiter struct {
	ui     UI
	logger *slog.Logger

	mu           sync.Mutex
	dontAsk      bool
	sessionAllow map[string]bool
	pending      map[string]chan Outcome
	cancelCh     chan struct{}
}

// New creates an arbiter. Don't-ask mode starts enabled.
func New(ui UI, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		ui:           ui,
		logger:       logger.With("component", "arbiter"),
		dontAsk:      true,
		sessionAllow: make(map[string]bool),
		pending:      make(map[string]chan Outcome),
		cancelCh:     make(chan struct{}),
	}
}

// SetDontAsk toggles don't-ask mode.
func (a *Arbiter) SetDontAsk(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dontAsk = v
}

// DontAsk reports the current mode.
func (a *Arbiter) DontAsk() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dontAsk
}

// AllowTool adds a tool to the per-session allow-list.
func (a *Arbiter) AllowTool(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionAllow[name] = true
}

// SessionAllowed reports whether a tool is on the allow-list.
func (a *Arbiter) SessionAllowed(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionAllow[name]
}

// PendingCount returns the number of unresolved approvals.
func (a *Arbiter) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Decide evaluates one tool call under the current fork mode.
func (a *Arbiter) Decide(ctx context.Context, mode fork.Mode, toolName string, input map[string]any) Verdict {
	if strings.HasPrefix(toolName, ownToolPrefix) {
		return Allow()
	}
	if mode == fork.ModeBackground {
		return Deny("tool not in background fork tool set")
	}

	a.mu.Lock()
	dontAsk := a.dontAsk
	allowed := a.sessionAllow[toolName]
	a.mu.Unlock()

	if dontAsk {
		if allowed {
			return Allow()
		}
		return Deny(fmt.Sprintf("tool %s not allowed", toolName))
	}

	return a.interactive(ctx, toolName, input)
}

// interactive posts the approval message and waits for a button press.
func (a *Arbiter) interactive(ctx context.Context, toolName string, input map[string]any) Verdict {
	label := FormatLabel(toolName, input)
	id := uuid.New().String()[:8]
	ch := make(chan Outcome, 1)

	a.mu.Lock()
	a.pending[id] = ch
	cancelCh := a.cancelCh
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
	}()

	if err := a.ui.PostApproval(ctx, id, label); err != nil {
		a.logger.Warn("approval request failed to send", "tool", toolName, "error", err)
		return Deny("failed to send approval request")
	}

	timer := time.NewTimer(ApprovalTimeout)
	defer timer.Stop()

	select {
	case outcome := <-ch:
		switch outcome {
		case OutcomeApprove:
			a.ui.FinalizeApproval(id, fmt.Sprintf("%s — allowed", label))
			a.logger.Info("tool approved", "tool", toolName)
			return Allow()
		case OutcomeAlways:
			a.AllowTool(toolName)
			a.ui.FinalizeApproval(id, fmt.Sprintf("%s — always allowed", label))
			a.logger.Info("tool always-allowed", "tool", toolName)
			return Allow()
		default:
			a.ui.FinalizeApproval(id, fmt.Sprintf("~~%s~~", label))
			a.logger.Info("tool denied", "tool", toolName)
			return Deny("denied via Discord")
		}

	case <-timer.C:
		a.ui.FinalizeApproval(id, fmt.Sprintf("~~%s~~ — timed out", label))
		a.logger.Warn("approval timed out", "tool", toolName)
		return Deny("approval timed out")

	case <-cancelCh:
		a.ui.FinalizeApproval(id, fmt.Sprintf("~~%s~~ — cancelled", label))
		return Deny("approval cancelled")

	case <-ctx.Done():
		return Deny("approval cancelled")
	}
}

// Resolve delivers a button press to the waiting approval. Returns false
// when the approval is unknown or already resolved.
func (a *Arbiter) Resolve(id string, outcome Outcome) bool {
	a.mu.Lock()
	ch, ok := a.pending[id]
	a.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- outcome:
		return true
	default:
		return false
	}
}

// CancelPending wakes every pending approval; waiters interpret the empty
// result as deny.
func (a *Arbiter) CancelPending() {
	a.mu.Lock()
	close(a.cancelCh)
	a.cancelCh = make(chan struct{})
	a.mu.Unlock()
}

// Reset clears the session allow-list and cancels all pending approvals.
func (a *Arbiter) Reset() {
	a.mu.Lock()
	a.sessionAllow = make(map[string]bool)
	close(a.cancelCh)
	a.cancelCh = make(chan struct{})
	a.mu.Unlock()
	a.logger.Info("arbiter reset")
}
