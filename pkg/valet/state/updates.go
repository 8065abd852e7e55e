// updates.go implements the pending-updates queue: short messages appended
// by forks that chose to report back, drained before the next main-session
// user turn.
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

// Update is one queued report from a fork.
type Update struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// PendingUpdates is the ordered fork → main bridge queue.
type PendingUpdates struct {
	path   string
	clk    clock.Clock
	logger *slog.Logger
	mu     sync.Mutex
}

// NewPendingUpdates creates the queue backed by the given JSON file.
func NewPendingUpdates(path string, clk clock.Clock, logger *slog.Logger) *PendingUpdates {
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingUpdates{
		path:   path,
		clk:    clk,
		logger: logger.With("component", "pending_updates"),
	}
}

func (p *PendingUpdates) load() []Update {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil
	}
	var list []Update
	if err := json.Unmarshal(data, &list); err != nil {
		p.logger.Warn("corrupt pending updates file, resetting", "path", p.path, "error", err)
		return nil
	}
	return list
}

func (p *PendingUpdates) save(list []Update) error {
	if list == nil {
		list = []Update{}
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pending updates: %w", err)
	}
	return atomicfile.WriteFile(p.path, data, 0600)
}

// Append enqueues a report in insertion order.
func (p *PendingUpdates) Append(message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := append(p.load(), Update{Timestamp: p.clk.Now(), Message: message})
	return p.save(list)
}

// Peek returns the queued updates without draining. Idempotent.
func (p *PendingUpdates) Peek() []Update {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load()
}

// PopAll drains the queue, returning updates in insertion order.
func (p *PendingUpdates) PopAll() ([]Update, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.load()
	if err := p.save(nil); err != nil {
		return nil, err
	}
	return list, nil
}

// Clear discards the queue.
func (p *PendingUpdates) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.save(nil)
}
