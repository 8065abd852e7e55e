// Package state holds the orchestrator's small file-backed tables: the
// inquiry table (clickable buttons that survive restarts), the pending
// updates queue (fork → main bridge), and session identity with its event
// log. All JSON writes go through tempfile + rename.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valetbot/valet/pkg/valet/atomicfile"
	"github.com/valetbot/valet/pkg/valet/clock"
)

// InquiryTTL is how long a registered inquiry stays resumable.
const InquiryTTL = 7 * 24 * time.Hour

// Inquiry is one stored prompt behind a clickable button.
type Inquiry struct {
	Prompt    string    `json:"prompt"`
	Timestamp time.Time `json:"timestamp"`
}

// Inquiries is the id→prompt table backing restart-surviving buttons.
type Inquiries struct {
	path   string
	clk    clock.Clock
	logger *slog.Logger
	mu     sync.Mutex
}

// NewInquiries creates the table backed by the given JSON file.
func NewInquiries(path string, clk clock.Clock, logger *slog.Logger) *Inquiries {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inquiries{
		path:   path,
		clk:    clk,
		logger: logger.With("component", "inquiries"),
	}
}

// load reads the table, filtering expired entries. Must hold mu.
func (q *Inquiries) load() map[string]Inquiry {
	table := make(map[string]Inquiry)
	data, err := os.ReadFile(q.path)
	if err != nil {
		return table
	}
	if err := json.Unmarshal(data, &table); err != nil {
		q.logger.Warn("corrupt inquiries file, resetting", "path", q.path, "error", err)
		return make(map[string]Inquiry)
	}
	now := q.clk.Now()
	for id, inq := range table {
		if now.Sub(inq.Timestamp) > InquiryTTL {
			delete(table, id)
		}
	}
	return table
}

func (q *Inquiries) save(table map[string]Inquiry) error {
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal inquiries: %w", err)
	}
	return atomicfile.WriteFile(q.path, data, 0600)
}

// Register stores a prompt and returns its 8-char id.
func (q *Inquiries) Register(prompt string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	table := q.load()
	id := uuid.New().String()[:8]
	table[id] = Inquiry{Prompt: prompt, Timestamp: q.clk.Now()}
	if err := q.save(table); err != nil {
		return "", err
	}
	return id, nil
}

// Pop removes and returns the prompt for id, or false when absent/expired.
func (q *Inquiries) Pop(id string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	table := q.load()
	inq, ok := table[id]
	if !ok {
		return "", false
	}
	delete(table, id)
	if err := q.save(table); err != nil {
		q.logger.Warn("failed to persist inquiry pop", "id", id, "error", err)
	}
	return inq.Prompt, true
}
