// Package agent implements the orchestrator-side tools the model calls
// during a fire: pings and embeds gated by the budget, chain follow-ups,
// fork lifecycle controls and the report bridge to the main session.
// Handlers take an args map and return a result string, mirroring the
// stdio tool contract; mcp.go exposes them over a streamable HTTP server.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/valetbot/valet/pkg/valet/budget"
	"github.com/valetbot/valet/pkg/valet/clock"
	"github.com/valetbot/valet/pkg/valet/fork"
	"github.com/valetbot/valet/pkg/valet/schedule"
	"github.com/valetbot/valet/pkg/valet/state"
)

// EmbedField is one field of a structured message.
type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// Embed is a structured message for the chat surface.
type Embed struct {
	Title       string
	Description string
	Footer      string
	Color       int
	Fields      []EmbedField
}

// Surface sends user-facing output. Implemented by the Discord surface.
type Surface interface {
	SendText(ctx context.Context, text string) error
	SendEmbed(ctx context.Context, e Embed) error
}

// ForkRequest is queued by enter_fork and drained by the orchestrator
// before the next turn.
type ForkRequest struct {
	Topic       string
	IdleTimeout time.Duration
}

// Deps wires the tool handlers to the rest of the process.
type Deps struct {
	Surface Surface
	Budget  *budget.Budget
	Forks   *fork.State
	Updates *state.PendingUpdates
	Store   *schedule.Store
	Clock   clock.Clock
	// Busy reports whether the main conversation holds the agent lock.
	Busy func() bool
	// Compact asks the SDK to compact the running session.
	Compact func(ctx context.Context) error
	// RequestFork queues an interactive fork for the next turn.
	RequestFork func(req ForkRequest)
	Logger      *slog.Logger
}

// Tools holds the handler set for one process.
type Tools struct {
	deps   Deps
	logger *slog.Logger
}

// NewTools creates the handler set.
func NewTools(deps Deps) *Tools {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tools{deps: deps, logger: logger.With("component", "tools")}
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func argNumber(args map[string]any, key string) (float64, bool) {
	v, ok := args[key].(float64)
	return v, ok
}

// pingGate runs the shared checks for ping_user and discord_embed.
// It returns an error result when the ping must be refused, and whether
// the ping counts against the non-critical limit.
func (t *Tools) pingGate(critical bool) error {
	if !t.deps.Forks.InBackground() {
		return fmt.Errorf("only available in a background fork")
	}
	policy := t.deps.Forks.BgPolicy()
	if !policy.AllowPing {
		return fmt.Errorf("pings are disabled for this task (allow_ping: no)")
	}
	if critical {
		return nil
	}
	if t.deps.Busy != nil && t.deps.Busy() {
		return fmt.Errorf("the user is mid-conversation; only critical pings are allowed right now")
	}
	if t.deps.Forks.NonCriticalPingCount() >= 1 {
		return fmt.Errorf("Already sent 1 ping this session")
	}
	ok, err := t.deps.Budget.TryUse()
	if err != nil {
		return fmt.Errorf("budget check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("Budget exhausted (%s)", t.deps.Budget.StatusString())
	}
	return nil
}

// PingUser sends a plain [bg]-prefixed message to the user.
func (t *Tools) PingUser(ctx context.Context, args map[string]any) (string, error) {
	message := argString(args, "message")
	if message == "" {
		return "", fmt.Errorf("message is required")
	}
	critical := argBool(args, "critical")
	if err := t.pingGate(critical); err != nil {
		return "", err
	}
	if err := t.deps.Surface.SendText(ctx, "[bg] "+message); err != nil {
		return "", fmt.Errorf("send ping: %w", err)
	}
	if critical {
		if err := t.deps.Budget.RecordCritical(); err != nil {
			t.logger.Warn("failed to record critical ping", "error", err)
		}
		t.deps.Forks.MarkOutputSent()
	} else {
		t.deps.Forks.RecordPing()
	}
	t.logger.Info("pinged user", "critical", critical)
	return "ping sent (" + t.deps.Budget.StatusString() + ")", nil
}

// SendEmbed sends a structured message; same gates and bookkeeping as
// PingUser.
func (t *Tools) SendEmbed(ctx context.Context, args map[string]any) (string, error) {
	title := argString(args, "title")
	description := argString(args, "description")
	if title == "" && description == "" {
		return "", fmt.Errorf("title or description is required")
	}
	critical := argBool(args, "critical")
	if err := t.pingGate(critical); err != nil {
		return "", err
	}

	embed := Embed{Title: title, Description: description, Footer: "bg"}
	if fields, ok := args["fields"].([]any); ok {
		for _, f := range fields {
			fm, ok := f.(map[string]any)
			if !ok {
				continue
			}
			embed.Fields = append(embed.Fields, EmbedField{
				Name:   argString(fm, "name"),
				Value:  argString(fm, "value"),
				Inline: argBool(fm, "inline"),
			})
		}
	}
	if err := t.deps.Surface.SendEmbed(ctx, embed); err != nil {
		return "", fmt.Errorf("send embed: %w", err)
	}
	if critical {
		if err := t.deps.Budget.RecordCritical(); err != nil {
			t.logger.Warn("failed to record critical embed", "error", err)
		}
		t.deps.Forks.MarkOutputSent()
	} else {
		t.deps.Forks.RecordPing()
	}
	return "embed sent (" + t.deps.Budget.StatusString() + ")", nil
}

// FollowUpChain schedules the next check of an active chain reminder.
func (t *Tools) FollowUpChain(_ context.Context, args map[string]any) (string, error) {
	chain := t.deps.Forks.Chain()
	if chain == nil {
		return "", fmt.Errorf("no chain context is active")
	}
	minutes, ok := argNumber(args, "minutes")
	if !ok || minutes <= 0 {
		return "", fmt.Errorf("minutes must be a positive number")
	}
	runAt := t.deps.Clock.Now().Add(time.Duration(minutes * float64(time.Minute)))
	child, err := chain.Reminder.ChainFollowUp(runAt)
	if err != nil {
		return "", err
	}
	if err := t.deps.Store.WriteReminder(child); err != nil {
		return "", fmt.Errorf("persist follow-up: %w", err)
	}
	t.logger.Info("chain follow-up scheduled",
		"id", child.ID, "depth", child.ChainDepth, "run_at", runAt)
	return fmt.Sprintf("follow-up %s scheduled for %s (check %d of %d)",
		child.ID, runAt.Format("15:04"), child.ChainDepth+1, child.MaxChain+1), nil
}

// SaveContext marks an interactive fork for promotion to main.
func (t *Tools) SaveContext(_ context.Context, _ map[string]any) (string, error) {
	if !t.deps.Forks.InInteractive() {
		return "", fmt.Errorf("save_context is only available in an interactive fork")
	}
	t.deps.Forks.MarkSaved()
	t.deps.Forks.SetExitAction(fork.ExitSave, "")
	return "this conversation will replace the main session", nil
}

// ReportUpdates queues a summary for the next main-session turn.
func (t *Tools) ReportUpdates(_ context.Context, args map[string]any) (string, error) {
	message := argString(args, "message")
	if message == "" {
		return "", fmt.Errorf("message is required")
	}
	switch t.deps.Forks.Mode() {
	case fork.ModeBackground:
		if t.deps.Forks.BgPolicy().UpdateMainSession == schedule.UpdateBlocked {
			return "", fmt.Errorf("reporting is blocked for this task (update_main_session: blocked)")
		}
	case fork.ModeInteractive:
		t.deps.Forks.SetExitAction(fork.ExitReport, message)
	default:
		return "", fmt.Errorf("report_updates is only available inside a fork")
	}
	if err := t.deps.Updates.Append(message); err != nil {
		return "", fmt.Errorf("queue update: %w", err)
	}
	t.deps.Forks.MarkReported()
	return "report queued for the main session", nil
}

// EnterFork queues an interactive fork starting on the next turn.
func (t *Tools) EnterFork(_ context.Context, args map[string]any) (string, error) {
	if t.deps.Forks.Mode() != fork.ModeNone {
		return "", fmt.Errorf("already inside a fork")
	}
	req := ForkRequest{Topic: argString(args, "topic")}
	if minutes, ok := argNumber(args, "idle_timeout"); ok && minutes > 0 {
		req.IdleTimeout = time.Duration(minutes * float64(time.Minute))
	}
	if t.deps.RequestFork == nil {
		return "", fmt.Errorf("forking is not available")
	}
	t.deps.RequestFork(req)
	return "a side conversation will start on the next message", nil
}

// ExitFork ends an interactive fork, discarding it.
func (t *Tools) ExitFork(_ context.Context, _ map[string]any) (string, error) {
	if !t.deps.Forks.InInteractive() {
		return "", fmt.Errorf("exit_fork is only available in an interactive fork")
	}
	t.deps.Forks.SetExitAction(fork.ExitExit, "")
	return "side conversation will end after this turn", nil
}

// CompactSession asks the SDK to compact the running fork session.
func (t *Tools) CompactSession(ctx context.Context, _ map[string]any) (string, error) {
	if t.deps.Forks.Mode() == fork.ModeNone {
		return "", fmt.Errorf("compact_session is only available inside a fork")
	}
	if t.deps.Compact == nil {
		return "", fmt.Errorf("compaction is not available")
	}
	if err := t.deps.Compact(ctx); err != nil {
		return "", fmt.Errorf("compact session: %w", err)
	}
	return "session compaction requested", nil
}
