// runtime.go owns the main-session client, the busy lock serializing agent
// turns, and the fork lifecycle: forked clients branch off the main session
// id, run under the stop hook, and may be promoted to become the main
// session.
package claude

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/valetbot/valet/pkg/valet/fork"
	"github.com/valetbot/valet/pkg/valet/state"
)

// maxStopRetries bounds re-invocations when the stop hook blocks a
// background fork that keeps ignoring its reporting duty.
const maxStopRetries = 2

// Runtime multiplexes the single owner conversation over one live client.
type Runtime struct {
	base     Options
	sessions *state.Sessions
	forks    *fork.State
	logger   *slog.Logger

	// canUseTool is shared by the main client and every fork.
	canUseTool CanUseToolFunc

	mu     sync.Mutex
	client *Client
	busy   bool
}

// NewRuntime creates the runtime. The main client starts lazily on the
// first turn, resuming the persisted session id when one exists.
func NewRuntime(base Options, sessions *state.Sessions, forks *fork.State, canUseTool CanUseToolFunc, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		base:       base,
		sessions:   sessions,
		forks:      forks,
		canUseTool: canUseTool,
		logger:     logger.With("component", "runtime"),
	}
}

// TryLock claims the busy lock without blocking.
func (r *Runtime) TryLock() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return false
	}
	r.busy = true
	return true
}

// Unlock releases the busy lock.
func (r *Runtime) Unlock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = false
}

// Locked reports whether a turn is in flight.
func (r *Runtime) Locked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

// mainClient returns the live client, creating it on first use.
func (r *Runtime) mainClient() *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		opts := r.base
		opts.Resume = r.sessions.Current()
		r.client = NewClient(opts, r.canUseTool, nil)
	}
	return r.client
}

// MainSessionID returns the live main-session id, falling back to the
// persisted one before the first turn.
func (r *Runtime) MainSessionID() string {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client != nil {
		if sid := client.SessionID(); sid != "" {
			return sid
		}
	}
	return r.sessions.Current()
}

// StreamChat runs one main-session turn, streaming assistant text to
// onText. The caller must hold the busy lock.
func (r *Runtime) StreamChat(ctx context.Context, prompt string, onText func(string)) (TurnResult, error) {
	client := r.mainClient()
	client.SetOnText(onText)
	defer client.SetOnText(nil)

	prev := r.sessions.Current()
	res, err := client.Run(ctx, prompt)
	r.persistSessionID(client, prev)
	return res, err
}

// persistSessionID records the client's session id when it changed, which
// happens on first contact and after server-side compaction.
func (r *Runtime) persistSessionID(client *Client, prev string) {
	sid := client.SessionID()
	if sid == "" || sid == prev {
		return
	}
	event := state.EventCreated
	if prev != "" {
		event = state.EventCompacted
	}
	if err := r.sessions.Set(sid, prev, event); err != nil {
		r.logger.Warn("failed to persist session id", "error", err)
	}
}

// ForkOptions tune one forked client.
type ForkOptions struct {
	Model    string
	Thinking bool
	// Isolated skips --resume entirely: a fresh context with no main
	// session history.
	Isolated     bool
	SystemPrompt string
	// Tool restrictions from the entry's fork policy.
	AllowedTools    []string
	DisallowedTools []string
}

// CreateForkedClient spawns a client branched off the main session.
func (r *Runtime) CreateForkedClient(fo ForkOptions) *Client {
	opts := r.base
	opts.Thinking = fo.Thinking
	if fo.Model != "" {
		opts.Model = fo.Model
	}
	if fo.SystemPrompt != "" {
		opts.SystemPrompt = fo.SystemPrompt
	}
	if len(fo.AllowedTools) > 0 {
		opts.AllowedTools = fo.AllowedTools
	}
	if len(fo.DisallowedTools) > 0 {
		opts.DisallowedTools = fo.DisallowedTools
	}
	if fo.Isolated {
		opts.Resume = ""
		opts.ForkSession = false
	} else {
		opts.Resume = r.MainSessionID()
		opts.ForkSession = opts.Resume != ""
	}
	return NewClient(opts, r.canUseTool, nil)
}

// RunOnClient runs one prompt on a (usually forked) client under the stop
// hook: when a background fork finishes without meeting its reporting
// duty, the hook's system message is fed back and the turn re-runs.
func (r *Runtime) RunOnClient(ctx context.Context, client *Client, prompt string) (TurnResult, error) {
	res, err := client.Run(ctx, prompt)
	if err != nil {
		return res, err
	}

	for attempt := 0; attempt < maxStopRetries; attempt++ {
		if !r.forks.InBackground() {
			break
		}
		msg, ok := StopCheck(r.forks.Bg())
		if ok {
			break
		}
		r.logger.Info("stop hook blocked fork exit", "attempt", attempt+1)
		res, err = client.Run(ctx, msg)
		if err != nil {
			return res, err
		}
	}

	if parent := r.MainSessionID(); client.SessionID() != "" && client.SessionID() != parent {
		if err := r.sessions.RecordEvent(client.SessionID(), parent, state.EventForked); err != nil {
			r.logger.Warn("failed to record fork event", "error", err)
		}
	}
	return res, nil
}

// SwapClient promotes a forked client to be the main session. The old
// main client is closed; the fork's session id becomes the persisted one.
func (r *Runtime) SwapClient(promoted *Client) error {
	sid := promoted.SessionID()
	if sid == "" {
		return fmt.Errorf("cannot promote client with no session id")
	}
	r.mu.Lock()
	old := r.client
	prev := ""
	if old != nil {
		prev = old.SessionID()
	}
	r.client = promoted
	r.mu.Unlock()

	if old != nil && old != promoted {
		old.Close()
	}
	if err := r.sessions.Set(sid, prev, state.EventPromoted); err != nil {
		return fmt.Errorf("persist promoted session: %w", err)
	}
	r.logger.Info("fork promoted to main session", "session_id", sid)
	return nil
}

// ResetMain closes the current client; the next turn starts fresh from
// the persisted session id.
func (r *Runtime) ResetMain() {
	r.mu.Lock()
	old := r.client
	r.client = nil
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Close tears down the live client.
func (r *Runtime) Close() {
	r.ResetMain()
}
