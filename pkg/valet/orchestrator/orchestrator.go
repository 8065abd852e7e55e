// Package orchestrator wires the whole process together: the Discord
// surface, the agent runtime and its busy lock, the scheduler loop, the
// idle watchdog, the tool server and the webhook listener. It owns the
// fire lifecycle: foreground fires run streamed on the main session,
// background fires run in a fork whose output stays invisible unless the
// agent pings or reports.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/valetbot/valet/pkg/valet/agent"
	"github.com/valetbot/valet/pkg/valet/arbiter"
	"github.com/valetbot/valet/pkg/valet/audit"
	"github.com/valetbot/valet/pkg/valet/budget"
	"github.com/valetbot/valet/pkg/valet/claude"
	"github.com/valetbot/valet/pkg/valet/clock"
	"github.com/valetbot/valet/pkg/valet/config"
	"github.com/valetbot/valet/pkg/valet/discord"
	"github.com/valetbot/valet/pkg/valet/fork"
	"github.com/valetbot/valet/pkg/valet/prompt"
	"github.com/valetbot/valet/pkg/valet/sched"
	"github.com/valetbot/valet/pkg/valet/schedule"
	"github.com/valetbot/valet/pkg/valet/state"
	"github.com/valetbot/valet/pkg/valet/streamer"
	"github.com/valetbot/valet/pkg/valet/webhook"
)

// lockRetry is the wait between attempts to claim the agent lock for a
// fire that does not skip when busy.
const lockRetry = 2 * time.Second

// Orchestrator is the process root.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger
	clk    clock.Clock

	surface   *discord.Surface
	store     *schedule.Store
	budget    *budget.Budget
	updates   *state.PendingUpdates
	inquiries *state.Inquiries
	sessions  *state.Sessions
	forks     *fork.State
	arb       *arbiter.Arbiter
	runtime   *claude.Runtime
	assembler *prompt.Assembler
	audits    *audit.Store
	loop      *sched.Loop
	watchdog  *sched.Watchdog
	mcp       *agent.MCPServer
	hooks     *webhook.Server

	mu         sync.Mutex
	forkClient *claude.Client
	forkReq    *agent.ForkRequest

	compactWanted atomic.Bool
	ownerTurn     atomic.Bool
}

// New builds the process from resolved configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	clk := clock.System{}
	o := &Orchestrator{
		cfg:    cfg,
		logger: logger.With("component", "orchestrator"),
		clk:    clk,
	}

	o.store = schedule.NewStore(cfg.StateDir, logger)
	o.budget = budget.New(cfg.StorePath("ping_budget.json"), clk, logger)
	o.updates = state.NewPendingUpdates(cfg.StorePath("pending_updates.json"), clk, logger)
	o.inquiries = state.NewInquiries(cfg.StorePath("inquiries.json"), clk, logger)
	o.sessions = state.NewSessions(cfg.StorePath("sessions.json"), cfg.StorePath("session_history.jsonl"), clk, logger)
	o.forks = fork.NewState(clk)
	o.assembler = prompt.NewAssembler(o.store, o.budget, clk)

	audits, err := audit.NewStore(cfg.StorePath("audit.db"), clk, logger)
	if err != nil {
		return nil, err
	}
	o.audits = audits

	o.surface = discord.New(discord.Config{
		Token:     cfg.DiscordToken,
		OwnerID:   cfg.DiscordOwnerID,
		ChannelID: cfg.DiscordChannelID,
	}, logger)
	o.arb = arbiter.New(o.surface, logger)
	o.surface.SetResolver(o.arb.Resolve)

	tools := agent.NewTools(agent.Deps{
		Surface: &pingSurface{o: o},
		Budget:  o.budget,
		Forks:   o.forks,
		Updates: o.updates,
		Store:   o.store,
		Clock:   clk,
		Busy:    o.ownerBusy,
		Compact: o.requestCompact,
		RequestFork: func(req agent.ForkRequest) {
			o.mu.Lock()
			o.forkReq = &req
			o.mu.Unlock()
		},
		Logger: logger,
	})
	o.mcp = agent.NewMCPServer(tools, cfg.MCPAddr, logger)

	o.runtime = claude.NewRuntime(claude.Options{
		WorkDir:      cfg.WorkDir,
		MCPServerURL: o.mcp.URL(),
		Thinking:     true,
		Logger:       logger,
	}, o.sessions, o.forks, o.canUseTool, logger)

	o.loop = sched.NewLoop(o.store, o, clk, cfg.Timezone, logger)
	o.watchdog = sched.NewWatchdog(o.forks, o.nudgeFork, logger)

	if cfg.WebhookSecret != "" {
		o.hooks = webhook.NewServer(o.store, cfg.WebhookSecret, cfg.WebhookAddr, o, logger)
	}
	return o, nil
}

// canUseTool bridges the CLI permission prompts to the arbiter.
func (o *Orchestrator) canUseTool(ctx context.Context, toolName string, input map[string]any) (bool, string) {
	v := o.arb.Decide(ctx, o.forks.Mode(), toolName, input)
	return v.Allowed, v.Reason
}

// ownerBusy reports whether an owner turn is in flight right now, as
// opposed to the lock being held by a scheduled fire.
func (o *Orchestrator) ownerBusy() bool {
	return o.ownerTurn.Load()
}

// requestCompact defers compaction to the end of the running turn.
func (o *Orchestrator) requestCompact(ctx context.Context) error {
	o.compactWanted.Store(true)
	return nil
}

// Run starts everything and blocks until ctx is cancelled or a signal
// arrives.
func (o *Orchestrator) Run(ctx context.Context) error {
	pidfile := o.cfg.StorePath("bot.pid")
	if err := AcquirePidfile(pidfile); err != nil {
		return err
	}
	defer ReleasePidfile(pidfile)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := o.surface.Connect(ctx); err != nil {
		return err
	}
	defer o.surface.Disconnect()

	go func() {
		if err := o.mcp.Start(); err != nil {
			o.logger.Error("tool server stopped", "error", err)
		}
	}()
	if o.hooks != nil {
		go func() {
			if err := o.hooks.Start(); err != nil {
				o.logger.Error("webhook listener stopped", "error", err)
			}
		}()
	}

	go o.loop.Start(ctx)
	go o.watchdog.Start(ctx)

	o.logger.Info("valet running",
		"state_dir", o.cfg.StateDir, "session", o.sessions.Current())

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case msg := <-o.surface.Receive():
			o.handleOwner(ctx, msg)
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.logger.Info("shutting down")
	o.arb.CancelPending()
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if o.hooks != nil {
		if err := o.hooks.Shutdown(shutCtx); err != nil {
			o.logger.Warn("webhook shutdown failed", "error", err)
		}
	}
	if err := o.mcp.Shutdown(shutCtx); err != nil {
		o.logger.Warn("tool server shutdown failed", "error", err)
	}
	o.closeForkClient()
	o.runtime.Close()
	o.audits.Close()
}

// handleOwner runs one owner turn, on the interactive fork when one is
// live, otherwise on the main session.
func (o *Orchestrator) handleOwner(ctx context.Context, msg discord.Incoming) {
	if !o.acquireLock(ctx) {
		return
	}
	defer o.runtime.Unlock()
	o.ownerTurn.Store(true)
	defer o.ownerTurn.Store(false)

	if o.forks.InInteractive() {
		o.forks.Touch()
		o.runForkTurn(ctx, msg.Content)
		return
	}
	o.runMainTurn(ctx, msg.Content)
	o.maybeStartFork(ctx)
}

// acquireLock claims the agent lock, waiting out any in-flight fire.
func (o *Orchestrator) acquireLock(ctx context.Context) bool {
	for !o.runtime.TryLock() {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(200 * time.Millisecond):
		}
	}
	return true
}

// runMainTurn streams one main-session turn to Discord, draining pending
// updates first.
func (o *Orchestrator) runMainTurn(ctx context.Context, text string) {
	full := o.withPendingUpdates(text)

	st := streamer.New(o.surface, o.logger)
	streamCtx, cancel := context.WithCancel(ctx)
	go st.Run(streamCtx)

	_, err := o.runtime.StreamChat(ctx, full, st.Write)
	st.Close()
	cancel()
	if err != nil {
		o.logger.Error("main turn failed", "error", err)
		o.surface.SendText(ctx, "Something went wrong running that turn.")
	}
	o.maybeCompact(ctx)
}

// withPendingUpdates prepends queued fork reports to the owner's message.
func (o *Orchestrator) withPendingUpdates(text string) string {
	updates, err := o.updates.PopAll()
	if err != nil {
		o.logger.Warn("failed to drain pending updates", "error", err)
		return text
	}
	if len(updates) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString("PENDING UPDATES from background tasks:\n")
	for _, u := range updates {
		fmt.Fprintf(&b, "- [%s] %s\n", u.Timestamp.Format("Jan 2 15:04"), u.Message)
	}
	b.WriteString("\n")
	b.WriteString(text)
	return b.String()
}

// popCompact consumes a deferred compaction request. Each turn drains it
// before releasing the lock so the request never leaks into another client.
func (o *Orchestrator) popCompact() bool {
	return o.compactWanted.CompareAndSwap(true, false)
}

// maybeCompact runs a deferred compaction request on the main client.
func (o *Orchestrator) maybeCompact(ctx context.Context) {
	if !o.popCompact() {
		return
	}
	if _, err := o.runtime.StreamChat(ctx, "/compact", nil); err != nil {
		o.logger.Warn("compaction failed", "error", err)
	}
}

// maybeStartFork honors an enter_fork request queued during the turn.
func (o *Orchestrator) maybeStartFork(ctx context.Context) {
	o.mu.Lock()
	req := o.forkReq
	o.forkReq = nil
	o.mu.Unlock()
	if req == nil {
		return
	}

	client := o.runtime.CreateForkedClient(claude.ForkOptions{Thinking: true})
	o.mu.Lock()
	o.forkClient = client
	o.mu.Unlock()
	o.forks.EnterInteractive(req.IdleTimeout)

	o.surface.SendText(ctx, "Forked: this is now a side conversation. The main session is paused until you save, report, or exit.")
	o.runForkPrompt(ctx, prompt.ForkStarted(req.Topic))
}

// runForkTurn runs one owner turn on the live interactive fork.
func (o *Orchestrator) runForkTurn(ctx context.Context, text string) {
	o.runForkPrompt(ctx, text)
}

func (o *Orchestrator) runForkPrompt(ctx context.Context, text string) {
	o.mu.Lock()
	client := o.forkClient
	o.mu.Unlock()
	if client == nil {
		o.logger.Warn("interactive mode with no fork client, resetting")
		o.forks.Exit()
		return
	}

	st := streamer.New(o.surface, o.logger)
	streamCtx, cancel := context.WithCancel(ctx)
	go st.Run(streamCtx)
	client.SetOnText(st.Write)

	_, err := o.runtime.RunOnClient(ctx, client, text)
	client.SetOnText(nil)
	st.Close()
	cancel()
	if err != nil {
		o.logger.Error("fork turn failed", "error", err)
		o.surface.SendText(ctx, "Something went wrong in the fork.")
	}
	if o.popCompact() {
		if _, cerr := client.Run(ctx, "/compact"); cerr != nil {
			o.logger.Warn("fork compaction failed", "error", cerr)
		}
	}
	o.finishForkTurn(ctx, client)
}

// finishForkTurn applies a pending exit action after a fork turn.
func (o *Orchestrator) finishForkTurn(ctx context.Context, client *claude.Client) {
	action, summary, ok := o.forks.PopExit()
	if !ok {
		return
	}

	switch action {
	case fork.ExitSave:
		if err := o.runtime.SwapClient(client); err != nil {
			o.logger.Error("fork promotion failed", "error", err)
			o.surface.SendText(ctx, "Could not save the fork; it stays a side conversation.")
			return
		}
		o.clearForkClient(false)
		o.surface.SendText(ctx, "Saved: this conversation is now the main session.")
	case fork.ExitReport:
		o.clearForkClient(true)
		note := "Reported and closed the side conversation."
		if summary != "" {
			note = "Reported and closed the side conversation: " + summary
		}
		o.surface.SendText(ctx, note)
	default:
		o.clearForkClient(true)
		o.surface.SendText(ctx, "Closed the side conversation; back to the main session.")
	}
	o.forks.Exit()
}

// clearForkClient detaches the interactive fork, optionally closing it.
func (o *Orchestrator) clearForkClient(closeIt bool) {
	o.mu.Lock()
	client := o.forkClient
	o.forkClient = nil
	o.mu.Unlock()
	if closeIt && client != nil {
		client.Close()
	}
}

func (o *Orchestrator) closeForkClient() {
	o.clearForkClient(true)
	if o.forks.Mode() != fork.ModeNone {
		o.forks.Exit()
	}
}

// nudgeFork is the watchdog hand: it runs idle prompts on the interactive
// fork under the agent lock.
func (o *Orchestrator) nudgeFork(ctx context.Context, text string) {
	if !o.runtime.TryLock() {
		return
	}
	defer o.runtime.Unlock()
	if !o.forks.InInteractive() {
		return
	}
	o.runForkPrompt(ctx, text)

	// A forced exit the agent ignored still ends the fork.
	if strings.Contains(text, "MUST exit") && o.forks.InInteractive() {
		o.closeForkClient()
		o.surface.SendText(ctx, "Side conversation timed out; back to the main session.")
	}
}

// FireRoutine implements sched.Firer.
func (o *Orchestrator) FireRoutine(r *schedule.Routine) {
	busy := o.runtime.Locked()
	if busy && r.SkipIfBusy {
		o.audits.Skip(r.ID, string(schedule.KindRoutine), "skip_if_busy")
		o.logger.Info("routine skipped, agent busy", "id", r.ID)
		return
	}

	ctx := ContextWithFire(context.Background(), FireContext{
		Kind: string(schedule.KindRoutine), EntryID: r.ID, Background: r.Background,
	})
	if !o.acquireLock(ctx) {
		return
	}
	defer o.runtime.Unlock()

	firePrompt := o.assembler.Routine(r, busy)
	err := o.audits.Track(r.ID, string(schedule.KindRoutine), func() error {
		if r.Background {
			return o.runBackgroundFork(ctx, fork.PolicyFrom(r.Policy), claude.ForkOptions{
				Model:           r.Model,
				Thinking:        r.Thinking,
				Isolated:        r.Isolated,
				AllowedTools:    r.Policy.AllowedTools,
				DisallowedTools: r.Policy.BlockedTools,
			}, firePrompt)
		}
		return o.runForegroundFire(ctx, firePrompt)
	})
	if err != nil {
		o.logger.Error("routine fire failed", "id", r.ID, "error", err)
	}
}

// FireReminder implements sched.Firer.
func (o *Orchestrator) FireReminder(r *schedule.Reminder) {
	busy := o.runtime.Locked()
	if busy && r.SkipIfBusy {
		o.audits.Skip(r.ID, string(schedule.KindReminder), "skip_if_busy")
		o.logger.Info("reminder skipped, agent busy", "id", r.ID)
		return
	}

	ctx := ContextWithFire(context.Background(), FireContext{
		Kind: string(schedule.KindReminder), EntryID: r.ID, Background: r.Background,
	})
	if !o.acquireLock(ctx) {
		return
	}
	defer o.runtime.Unlock()

	if r.MaxChain > 0 {
		o.forks.InstallChain(&fork.ChainContext{Reminder: r})
		defer o.forks.ClearChain()
	}

	firePrompt := o.assembler.Reminder(r, busy)
	err := o.audits.Track(r.ID, string(schedule.KindReminder), func() error {
		if r.Background {
			return o.runBackgroundFork(ctx, fork.PolicyFrom(r.Policy), claude.ForkOptions{
				Model:           r.Model,
				Thinking:        r.Thinking,
				Isolated:        r.Isolated,
				AllowedTools:    r.Policy.AllowedTools,
				DisallowedTools: r.Policy.BlockedTools,
			}, firePrompt)
		}
		return o.runForegroundFire(ctx, firePrompt)
	})
	if err != nil {
		o.logger.Error("reminder fire failed", "id", r.ID, "error", err)
	}
}

// DispatchWebhook implements webhook.Dispatcher. Webhook fires always run
// as background forks.
func (o *Orchestrator) DispatchWebhook(w *schedule.Webhook, firePrompt string) {
	busy := o.runtime.Locked()
	ctx := ContextWithFire(context.Background(), FireContext{
		Kind: string(schedule.KindWebhook), EntryID: w.ID, Background: true,
	})
	if !o.acquireLock(ctx) {
		return
	}
	defer o.runtime.Unlock()

	full := insertPreamble(firePrompt, o.assembler.WebhookPreamble(w, busy))
	err := o.audits.Track(w.ID, string(schedule.KindWebhook), func() error {
		return o.runBackgroundFork(ctx, fork.PolicyFrom(w.Policy), claude.ForkOptions{
			Model:           w.Model,
			Thinking:        w.Thinking,
			AllowedTools:    w.Policy.AllowedTools,
			DisallowedTools: w.Policy.BlockedTools,
		}, full)
	})
	if err != nil {
		o.logger.Error("webhook fire failed", "id", w.ID, "error", err)
	}
}

// insertPreamble slots the background instruction block after the tag line.
func insertPreamble(firePrompt, preamble string) string {
	if preamble == "" {
		return firePrompt
	}
	if i := strings.Index(firePrompt, "\n"); i >= 0 {
		return firePrompt[:i+1] + preamble + firePrompt[i+1:]
	}
	return firePrompt + "\n" + preamble
}

// runForegroundFire runs a visible fire on the main session, streamed to
// Discord like an owner turn.
func (o *Orchestrator) runForegroundFire(ctx context.Context, firePrompt string) error {
	st := streamer.New(o.surface, o.logger)
	streamCtx, cancel := context.WithCancel(ctx)
	go st.Run(streamCtx)

	_, err := o.runtime.StreamChat(ctx, firePrompt, st.Write)
	st.Close()
	cancel()
	return err
}

// runBackgroundFork runs an invisible fire on a forked client. The fork
// always disconnects afterwards; its findings reach the owner only through
// pings and report_updates.
func (o *Orchestrator) runBackgroundFork(ctx context.Context, pol fork.Policy, fo claude.ForkOptions, firePrompt string) error {
	o.forks.EnterBackground(pol)
	defer o.forks.Exit()

	client := o.runtime.CreateForkedClient(fo)
	defer client.Close()

	_, err := o.runtime.RunOnClient(ctx, client, firePrompt)
	if o.popCompact() {
		if _, cerr := client.Run(ctx, "/compact"); cerr != nil {
			o.logger.Warn("fork compaction failed", "error", cerr)
		}
	}
	return err
}

// pingSurface wraps the Discord surface for agent pings: text pings from
// background forks carry a "Continue this" button backed by the inquiries
// table, so the owner can pick the thread up on the main session later.
type pingSurface struct {
	o *Orchestrator
}

func (p *pingSurface) SendText(ctx context.Context, text string) error {
	o := p.o
	if !o.forks.InBackground() {
		return o.surface.SendText(ctx, text)
	}

	id, err := o.inquiries.Register("Follow up on this background ping: " + text)
	if err != nil {
		o.logger.Warn("inquiry registration failed", "error", err)
		return o.surface.SendText(ctx, text)
	}

	customID := "inquiry:" + id
	o.surface.Components().Register(customID, discord.ComponentSpec{
		AllowedUsers: []string{o.surface.Owner()},
		TTL:          state.InquiryTTL,
		Handler: func(ctx context.Context, evt *discord.InteractionEvent) (string, error) {
			stored, ok := o.inquiries.Pop(id)
			if !ok {
				return "This inquiry has expired.", nil
			}
			o.surface.Components().Unregister(customID)
			go func() {
				runCtx := context.Background()
				if !o.acquireLock(runCtx) {
					return
				}
				defer o.runtime.Unlock()
				o.runMainTurn(runCtx, stored)
			}()
			return "", nil
		},
	})
	return o.surface.SendWithButton(ctx, text, customID, "Continue this")
}

func (p *pingSurface) SendEmbed(ctx context.Context, e agent.Embed) error {
	return p.o.surface.SendEmbed(ctx, e)
}
