// Package prompt assembles the exact text the agent receives when an
// entry fires: leading tag, background preamble (ping rules, budget,
// forward schedule), chain context and the entry message.
package prompt

import (
	"fmt"
	"strings"

	"github.com/valetbot/valet/pkg/valet/budget"
	"github.com/valetbot/valet/pkg/valet/clock"
	"github.com/valetbot/valet/pkg/valet/schedule"
)

// Fixed tags for fork lifecycle prompts.
const (
	ForkTimeoutTag = "[fork-timeout]"
	ForkStartedTag = "[fork-started]"
)

// RoutineTag renders the leading tag for a routine fire.
func RoutineTag(id string, bg bool) string {
	if bg {
		return fmt.Sprintf("[routine-bg:%s]", id)
	}
	return fmt.Sprintf("[routine:%s]", id)
}

// ReminderTag renders the leading tag for a reminder fire.
func ReminderTag(id string, bg bool) string {
	if bg {
		return fmt.Sprintf("[reminder-bg:%s]", id)
	}
	return fmt.Sprintf("[reminder:%s]", id)
}

// WebhookTag renders the leading tag for a webhook fire.
func WebhookTag(id string) string {
	return fmt.Sprintf("[webhook:%s]", id)
}

// Assembler builds fire prompts from entry state, the ping budget and the
// entry store.
type Assembler struct {
	store  *schedule.Store
	budget *budget.Budget
	clk    clock.Clock
}

// NewAssembler creates the assembler.
func NewAssembler(store *schedule.Store, b *budget.Budget, clk clock.Clock) *Assembler {
	return &Assembler{store: store, budget: b, clk: clk}
}

// Routine builds the prompt for a routine fire. busy means the main
// conversation currently holds the agent lock.
func (a *Assembler) Routine(r *schedule.Routine, busy bool) string {
	var b strings.Builder
	b.WriteString(RoutineTag(r.ID, r.Background))
	b.WriteString("\n")
	if r.Background {
		a.bgPreamble(&b, r.Policy, busy, r.ID)
	}
	b.WriteString("\n")
	b.WriteString(r.Message)
	return b.String()
}

// Reminder builds the prompt for a reminder fire, including chain context
// when the reminder is part of a chain.
func (a *Assembler) Reminder(r *schedule.Reminder, busy bool) string {
	var b strings.Builder
	b.WriteString(ReminderTag(r.ID, r.Background))
	b.WriteString("\n")
	if r.Background {
		a.bgPreamble(&b, r.Policy, busy, r.ID)
	}
	if r.MaxChain > 0 {
		b.WriteString("\n")
		b.WriteString(ChainParagraph(r.ChainDepth, r.MaxChain))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(r.Message)
	return b.String()
}

// ForkTimeoutNudge is the idle-timeout prompt sent to a quiet
// interactive fork.
func ForkTimeoutNudge() string {
	return ForkTimeoutTag + "\nThe user has been quiet past the idle timeout. Wrap up: call save_context to keep this conversation, report_updates to summarize it for the main session, or exit_fork to discard it."
}

// ForkForcedExit is the prompt after a nudge went unanswered: the fork
// must resolve now.
func ForkForcedExit() string {
	return ForkTimeoutTag + "\nThe idle nudge went unanswered. You MUST exit now: call save_context, report_updates, or exit_fork. Do nothing else."
}

// ForkStarted announces a fresh interactive fork.
func ForkStarted(topic string) string {
	if topic == "" {
		return ForkStartedTag + "\nAn interactive side conversation has started. The main session is untouched until you save_context or report_updates."
	}
	return fmt.Sprintf("%s\nAn interactive side conversation has started about: %s. The main session is untouched until you save_context or report_updates.", ForkStartedTag, topic)
}

// ChainParagraph renders the chain-context block. Depth is zero-based;
// a chain of max_chain=N runs checks 1..N+1.
func ChainParagraph(depth, maxChain int) string {
	check := depth + 1
	total := maxChain + 1
	if depth >= maxChain {
		return fmt.Sprintf("CHAIN CONTEXT: this is the FINAL check (%d of %d). follow_up_chain is NOT available; finish the chain this run.", check, total)
	}
	return fmt.Sprintf("CHAIN CONTEXT: this is check %d of %d. Call follow_up_chain(minutes) to schedule the next check, or let the chain end here.", check, total)
}

// WebhookPreamble renders the background instruction block for a webhook
// fire. Webhook fires always run in the background.
func (a *Assembler) WebhookPreamble(w *schedule.Webhook, busy bool) string {
	var b strings.Builder
	a.bgPreamble(&b, w.Policy, busy, w.ID)
	return b.String()
}

// bgPreamble writes the background-fork instruction block.
func (a *Assembler) bgPreamble(b *strings.Builder, p schedule.Policy, busy bool, firingID string) {
	b.WriteString("\nBACKGROUND TASK. You run in a fork; nothing you say is shown to the user unless you ping.\n")

	if p.AllowPing {
		b.WriteString("- You MAY ping the user via ping_user, but at most 1 non-critical ping this task.\n")
	} else {
		b.WriteString("- Pings are DISABLED for this task (allow_ping: no). Work silently.\n")
	}

	switch mode := p.UpdateMainSession; mode {
	case schedule.UpdateAlways:
		b.WriteString("- You MUST call report_updates with a short summary before finishing; the main session only learns of this work through it.\n")
	case schedule.UpdateFreely:
		b.WriteString("- You may call report_updates whenever something is worth surfacing to the main session.\n")
	case schedule.UpdateBlocked:
		b.WriteString("- report_updates is unavailable for this task; the main session will not hear about it.\n")
	default:
		b.WriteString("- If you ping the user, also call report_updates so the main session knows what was said.\n")
	}

	if busy && p.AllowPing {
		b.WriteString("- The user is mid-conversation right now. Only ping for genuinely urgent findings; otherwise report silently.\n")
	}

	if a.budget != nil {
		b.WriteString("- Ping budget: " + a.budget.FullStatusString() + "\n")
	}

	if fs := a.ForwardSchedule(firingID); fs != "" {
		b.WriteString(fs)
	}

	b.WriteString("- Before pinging, ask: would the user regret being interrupted for this? When unsure, stay silent and report instead.\n")

	if len(p.AllowedTools) > 0 {
		b.WriteString("- Allowed tools: " + strings.Join(p.AllowedTools, ", ") + ". Everything else is denied.\n")
	} else if len(p.BlockedTools) > 0 {
		b.WriteString("- Blocked tools: " + strings.Join(p.BlockedTools, ", ") + ".\n")
	}

	b.WriteString("- This session is persistent; call compact_session if context grows large.\n")
}
