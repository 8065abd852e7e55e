// chain.go implements the chain-reminder context: installed by the
// orchestrator when a chain reminder fires, consulted by follow_up_chain.
package fork

import (
	"github.com/valetbot/valet/pkg/valet/schedule"
)

// ChainContext is visible to follow_up_chain while a chain reminder runs.
type ChainContext struct {
	// Reminder is the entry that fired.
	Reminder *schedule.Reminder
}

// Depth returns the current chain depth (0 for the root fire).
func (c *ChainContext) Depth() int { return c.Reminder.ChainDepth }

// Max returns the chain bound.
func (c *ChainContext) Max() int { return c.Reminder.MaxChain }

// Final reports whether this is the last permitted fire: follow_up_chain
// is not offered.
func (c *ChainContext) Final() bool {
	return c.Reminder.ChainDepth >= c.Reminder.MaxChain
}

// InstallChain makes a chain context active for the duration of a fire.
func (s *State) InstallChain(c *ChainContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chain = c
}

// ClearChain removes the active chain context.
func (s *State) ClearChain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chain = nil
}

// Chain returns the active chain context, or nil.
func (s *State) Chain() *ChainContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chain
}
