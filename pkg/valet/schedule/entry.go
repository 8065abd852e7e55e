// Package schedule implements the declarative schedule entries (routines,
// reminders, webhooks) and their Markdown persistence. Each entry is one
// file: a key/value header block, a delimiter line, then the free-text body
// that becomes the agent's prompt.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind selects an entry directory under the state root.
type Kind string

const (
	KindRoutine  Kind = "routines"
	KindReminder Kind = "reminders"
	KindWebhook  Kind = "webhooks"
)

// UpdateMode controls how a background fork may propagate output back to
// the main session.
type UpdateMode string

const (
	UpdateAlways  UpdateMode = "always"
	UpdateOnPing  UpdateMode = "on_ping"
	UpdateFreely  UpdateMode = "freely"
	UpdateBlocked UpdateMode = "blocked"
)

// Valid reports whether m is a known update mode.
func (m UpdateMode) Valid() bool {
	switch m {
	case UpdateAlways, UpdateOnPing, UpdateFreely, UpdateBlocked:
		return true
	}
	return false
}

// Policy holds the per-fire fork policy knobs shared by all entry kinds.
// AllowedTools and BlockedTools are mutually exclusive.
type Policy struct {
	UpdateMainSession UpdateMode `yaml:"update_main_session"`
	AllowPing         bool       `yaml:"allow_ping"`
	AllowedTools      []string   `yaml:"allowed_tools"`
	BlockedTools      []string   `yaml:"blocked_tools"`
}

// DefaultPolicy returns the policy applied when a header omits every knob.
func DefaultPolicy() Policy {
	return Policy{
		UpdateMainSession: UpdateOnPing,
		AllowPing:         true,
	}
}

// Validate checks the mutual-exclusion invariant and mode validity.
func (p Policy) Validate() error {
	if len(p.AllowedTools) > 0 && len(p.BlockedTools) > 0 {
		return fmt.Errorf("allowed_tools and blocked_tools are mutually exclusive")
	}
	if p.UpdateMainSession != "" && !p.UpdateMainSession.Valid() {
		return fmt.Errorf("unknown update_main_session %q", p.UpdateMainSession)
	}
	return nil
}

// Routine is a recurring entry driven by a 5-field cron expression
// (weekday 0=Sunday).
type Routine struct {
	ID          string `yaml:"id"`
	Cron        string `yaml:"cron"`
	Description string `yaml:"description"`
	Background  bool   `yaml:"background"`
	SkipIfBusy  bool   `yaml:"skip_if_busy"`
	Model       string `yaml:"model"`
	Isolated    bool   `yaml:"isolated"`
	Thinking    bool   `yaml:"thinking"`
	Policy      `yaml:",inline"`

	// Message is the prompt body (everything after the delimiter).
	Message string `yaml:"-"`
}

// Reminder is a one-shot entry, removed automatically after it fires.
// Chain fields implement bounded recursive self-rescheduling.
type Reminder struct {
	ID          string    `yaml:"id"`
	RunAt       time.Time `yaml:"run_at"`
	Description string    `yaml:"description"`
	Background  bool      `yaml:"background"`
	SkipIfBusy  bool      `yaml:"skip_if_busy"`
	Model       string    `yaml:"model"`
	Isolated    bool      `yaml:"isolated"`
	Thinking    bool      `yaml:"thinking"`
	ChainDepth  int       `yaml:"chain_depth"`
	MaxChain    int       `yaml:"max_chain"`
	ChainParent string    `yaml:"chain_parent"`
	Policy      `yaml:",inline"`

	Message string `yaml:"-"`
}

// FieldSpec describes one webhook payload field.
type FieldSpec struct {
	Type      string   `yaml:"type"`
	Required  bool     `yaml:"required"`
	Enum      []string `yaml:"enum"`
	MaxLength int      `yaml:"max_length"`
}

// Webhook is an ingress entry: an authenticated POST whose validated fields
// are interpolated into Message and executed as a background fork.
type Webhook struct {
	ID          string               `yaml:"id"`
	Description string               `yaml:"description"`
	Fields      map[string]FieldSpec `yaml:"fields"`
	Model       string               `yaml:"model"`
	Thinking    bool                 `yaml:"thinking"`
	Policy      `yaml:",inline"`

	// Message is the prompt template with {name} placeholders.
	Message string `yaml:"-"`
}

// NewID returns a fresh 8-character opaque id.
func NewID() string {
	return uuid.New().String()[:8]
}

// NewRoutine builds a routine with defaults applied and invariants checked.
func NewRoutine(cronExpr, message string) (*Routine, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("message is required")
	}
	if _, err := ParseCron(cronExpr); err != nil {
		return nil, err
	}
	return &Routine{
		ID:       NewID(),
		Cron:     cronExpr,
		Thinking: true,
		Policy:   DefaultPolicy(),
		Message:  strings.TrimSpace(message),
	}, nil
}

// NewReminder builds a reminder with defaults applied and the chain
// invariants checked. A chain root (maxChain > 0, depth 0) becomes its own
// chain parent.
func NewReminder(runAt time.Time, message string, chainDepth, maxChain int, chainParent string) (*Reminder, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("message is required")
	}
	if chainDepth < 0 || maxChain < 0 {
		return nil, fmt.Errorf("chain_depth and max_chain must be >= 0")
	}
	if chainDepth > maxChain {
		return nil, fmt.Errorf("chain_depth %d exceeds max_chain %d", chainDepth, maxChain)
	}
	r := &Reminder{
		ID:          NewID(),
		RunAt:       runAt,
		Thinking:    true,
		ChainDepth:  chainDepth,
		MaxChain:    maxChain,
		ChainParent: chainParent,
		Policy:      DefaultPolicy(),
		Message:     strings.TrimSpace(message),
	}
	if maxChain > 0 && chainParent == "" {
		r.ChainParent = r.ID
	}
	return r, nil
}

// Validate re-checks invariants on a parsed reminder.
func (r *Reminder) Validate() error {
	if r.ChainDepth < 0 || r.ChainDepth > r.MaxChain {
		return fmt.Errorf("chain_depth %d out of range [0,%d]", r.ChainDepth, r.MaxChain)
	}
	return r.Policy.Validate()
}

// Validate re-checks invariants on a parsed routine.
func (r *Routine) Validate() error {
	if _, err := ParseCron(r.Cron); err != nil {
		return err
	}
	return r.Policy.Validate()
}

// ChainFollowUp derives the next reminder in a chain, inheriting every
// policy knob and the root's chain_parent. Fails at the chain bound.
func (r *Reminder) ChainFollowUp(runAt time.Time) (*Reminder, error) {
	if r.ChainDepth >= r.MaxChain {
		return nil, fmt.Errorf("chain limit reached (%d of %d)", r.ChainDepth, r.MaxChain)
	}
	next := *r
	next.ID = NewID()
	next.RunAt = runAt
	next.ChainDepth = r.ChainDepth + 1
	if next.ChainParent == "" {
		next.ChainParent = r.ID
	}
	return &next, nil
}

// Label returns a short human label: the description if set, else a
// truncated first line of the message.
func entryLabel(description, message string) string {
	if description != "" {
		return description
	}
	line := message
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if len(line) > 48 {
		line = line[:48] + "…"
	}
	return line
}

// Label returns a short display label for the routine.
func (r *Routine) Label() string { return entryLabel(r.Description, r.Message) }

// Label returns a short display label for the reminder.
func (r *Reminder) Label() string { return entryLabel(r.Description, r.Message) }
