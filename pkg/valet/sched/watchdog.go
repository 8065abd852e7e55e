// watchdog.go watches interactive forks for idleness: one nudge after the
// idle timeout, then a forced exit prompt when the nudge goes unanswered
// for another timeout.
package sched

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/valetbot/valet/pkg/valet/fork"
	"github.com/valetbot/valet/pkg/valet/prompt"
)

// WatchdogInterval is the idle-check cadence.
const WatchdogInterval = 60 * time.Second

// maxConcurrentTicks bounds overlapping checks when a nudge delivery
// stalls on a slow agent turn.
const maxConcurrentTicks = 2

// Watchdog nudges idle interactive forks toward resolution.
type Watchdog struct {
	forks *fork.State
	// nudge delivers a system prompt to the live fork; it may block for
	// the duration of an agent turn.
	nudge   func(ctx context.Context, text string)
	logger  *slog.Logger
	inTicks atomic.Int32
}

// NewWatchdog creates the watchdog.
func NewWatchdog(forks *fork.State, nudge func(ctx context.Context, text string), logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		forks:  forks,
		nudge:  nudge,
		logger: logger.With("component", "watchdog"),
	}
}

// Start runs the check loop until ctx is cancelled. Blocks.
func (w *Watchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			go w.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one idle check. Reentrancy is capped so stalled nudges cannot
// pile up unbounded.
func (w *Watchdog) Tick(ctx context.Context) {
	if w.inTicks.Add(1) > maxConcurrentTicks {
		w.inTicks.Add(-1)
		return
	}
	defer w.inTicks.Add(-1)

	if !w.forks.InInteractive() {
		return
	}

	switch {
	case w.forks.ShouldAutoExit():
		w.logger.Info("idle nudge unanswered, forcing fork exit")
		w.nudge(ctx, prompt.ForkForcedExit())
	case w.forks.IsIdle() && !w.forks.Prompted():
		w.logger.Info("interactive fork idle, sending nudge")
		w.forks.MarkPrompted()
		w.nudge(ctx, prompt.ForkTimeoutNudge())
	}
}
