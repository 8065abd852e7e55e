// Package budget implements the ping budget: a refill-on-read token bucket
// that limits proactive user notifications from background fires. State is
// one JSON file written atomically; every read applies elapsed refill and
// daily counter resets before returning.
package budget

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

const (
	// DefaultCapacity is the bucket size when no state file exists.
	DefaultCapacity = 5

	// DefaultRefillRateMinutes is how many minutes one token takes to refill.
	DefaultRefillRateMinutes = 90
)

// State is the persisted budget record.
type State struct {
	Capacity          int       `json:"capacity"`
	Available         float64   `json:"available"`
	RefillRateMinutes int       `json:"refill_rate_minutes"`
	LastRefill        time.Time `json:"last_refill"`
	CriticalUsed      int       `json:"critical_used"`
	CriticalResetDate string    `json:"critical_reset_date"`
	DailyUsed         int       `json:"daily_used"`
	DailyUsedReset    string    `json:"daily_used_reset"`
}

// Budget owns the state file. All operations are atomic under the mutex.
type Budget struct {
	path   string
	clk    clock.Clock
	logger *slog.Logger
	mu     sync.Mutex
}

// New creates a budget backed by the given state file.
func New(path string, clk clock.Clock, logger *slog.Logger) *Budget {
	if logger == nil {
		logger = slog.Default()
	}
	return &Budget{
		path:   path,
		clk:    clk,
		logger: logger.With("component", "ping_budget"),
	}
}

// load reads the state file, applying refill and daily resets. Must be
// called with mu held. A missing or corrupt file yields a full fresh bucket.
func (b *Budget) load() State {
	now := b.clk.Now()
	st := State{
		Capacity:          DefaultCapacity,
		Available:         DefaultCapacity,
		RefillRateMinutes: DefaultRefillRateMinutes,
		LastRefill:        now,
		CriticalResetDate: dateString(now),
		DailyUsedReset:    dateString(now),
	}

	data, err := os.ReadFile(b.path)
	if err == nil {
		var onDisk State
		if jerr := json.Unmarshal(data, &onDisk); jerr != nil {
			b.logger.Warn("corrupt budget file, resetting", "path", b.path, "error", jerr)
		} else {
			st = onDisk
		}
	} else if !os.IsNotExist(err) {
		b.logger.Warn("budget file unreadable, resetting", "path", b.path, "error", err)
	}

	if st.Capacity <= 0 {
		st.Capacity = DefaultCapacity
	}
	if st.RefillRateMinutes <= 0 {
		st.RefillRateMinutes = DefaultRefillRateMinutes
	}

	// Refill on every read.
	if !st.LastRefill.IsZero() {
		elapsed := now.Sub(st.LastRefill).Minutes()
		if elapsed > 0 {
			st.Available += elapsed / float64(st.RefillRateMinutes)
		}
	}
	if st.Available > float64(st.Capacity) {
		st.Available = float64(st.Capacity)
	}
	if st.Available < 0 {
		st.Available = 0
	}
	st.LastRefill = now

	// Daily counters reset when the stored date is not today.
	today := dateString(now)
	if st.DailyUsedReset != today {
		st.DailyUsed = 0
		st.DailyUsedReset = today
	}
	if st.CriticalResetDate != today {
		st.CriticalUsed = 0
		st.CriticalResetDate = today
	}

	return st
}

// save writes the state atomically. Must be called with mu held.
func (b *Budget) save(st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal budget: %w", err)
	}
	if err := atomicfile.WriteFile(b.path, data, 0600); err != nil {
		return fmt.Errorf("write budget: %w", err)
	}
	return nil
}

// Load returns the refreshed state, persisting the refill.
func (b *Budget) Load() (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.load()
	if err := b.save(st); err != nil {
		return st, err
	}
	return st, nil
}

// TryUse atomically consumes one token. Returns false (state unchanged
// except for the refill) when less than one token is available.
func (b *Budget) TryUse() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.load()
	ok := st.Available >= 1
	if ok {
		st.Available -= 1
		st.DailyUsed++
	}
	if err := b.save(st); err != nil {
		return false, err
	}
	return ok, nil
}

// RecordCritical increments the daily critical counter without consuming
// regular tokens. Used when a fire is marked critical.
func (b *Budget) RecordCritical() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.load()
	st.CriticalUsed++
	return b.save(st)
}

// SetCapacity changes the bucket size, preserving the rest of the state.
func (b *Budget) SetCapacity(n int) error {
	if n <= 0 {
		return fmt.Errorf("capacity must be positive")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.load()
	st.Capacity = n
	if st.Available > float64(n) {
		st.Available = float64(n)
	}
	return b.save(st)
}

// SetRefillRate changes the per-token refill time in minutes.
func (b *Budget) SetRefillRate(minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("refill rate must be positive")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.load()
	st.RefillRateMinutes = minutes
	return b.save(st)
}

// StatusString is the one-line summary used in bg preambles.
func (b *Budget) StatusString() string {
	st, err := b.Load()
	if err != nil {
		return "ping budget unavailable"
	}
	return fmt.Sprintf("%.1f of %d pings available (refills 1 per %dm)",
		st.Available, st.Capacity, st.RefillRateMinutes)
}

// FullStatusString includes the daily counters.
func (b *Budget) FullStatusString() string {
	st, err := b.Load()
	if err != nil {
		return "ping budget unavailable"
	}
	return fmt.Sprintf("%.1f of %d pings available, refills 1 per %dm; used today: %d regular, %d critical",
		st.Available, st.Capacity, st.RefillRateMinutes, st.DailyUsed, st.CriticalUsed)
}

func dateString(t time.Time) string {
	return t.Format("2006-01-02")
}
