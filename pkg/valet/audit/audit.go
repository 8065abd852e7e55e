// Package audit records every scheduled fire in a SQLite database so the
// owner can review what ran, when, for how long, and with what outcome.
package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.

	"github.com/valetbot/valet/pkg/valet/clock"
)

// Outcome classifies how a fire ended.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
	OutcomeSkipped Outcome = "skipped"
)

// Record is one completed fire.
type Record struct {
	EntryID   string
	Kind      string
	StartedAt time.Time
	Duration  time.Duration
	Outcome   Outcome
	Error     string
}

// Store is the audit database.
type Store struct {
	db     *sql.DB
	clk    clock.Clock
	logger *slog.Logger
}

// NewStore opens or creates the audit database at dbPath.
func NewStore(dbPath string, clk clock.Clock, logger *slog.Logger) (*Store, error) {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS fires (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id    TEXT NOT NULL,
			kind        TEXT NOT NULL,
			started_at  DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL,
			outcome     TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_fires_entry ON fires(entry_id, started_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}

	return &Store{db: db, clk: clk, logger: logger.With("component", "audit")}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Append writes one record.
func (s *Store) Append(rec Record) error {
	_, err := s.db.Exec(
		`INSERT INTO fires (entry_id, kind, started_at, duration_ms, outcome, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.EntryID, rec.Kind, rec.StartedAt.UTC(), rec.Duration.Milliseconds(),
		string(rec.Outcome), rec.Error,
	)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Track runs fn and records its outcome. Returns fn's error.
func (s *Store) Track(entryID, kind string, fn func() error) error {
	started := s.clk.Now()
	err := fn()
	rec := Record{
		EntryID:   entryID,
		Kind:      kind,
		StartedAt: started,
		Duration:  s.clk.Now().Sub(started),
		Outcome:   OutcomeOK,
	}
	if err != nil {
		rec.Outcome = OutcomeError
		rec.Error = err.Error()
	}
	if aerr := s.Append(rec); aerr != nil {
		s.logger.Warn("audit write failed", "entry", entryID, "error", aerr)
	}
	return err
}

// Skip records that a fire was skipped without running.
func (s *Store) Skip(entryID, kind, reason string) {
	rec := Record{
		EntryID:   entryID,
		Kind:      kind,
		StartedAt: s.clk.Now(),
		Outcome:   OutcomeSkipped,
		Error:     reason,
	}
	if err := s.Append(rec); err != nil {
		s.logger.Warn("audit write failed", "entry", entryID, "error", err)
	}
}

// LastFire returns the newest record for one entry, or nil when it has
// never fired.
func (s *Store) LastFire(entryID string) (*Record, error) {
	row := s.db.QueryRow(
		`SELECT entry_id, kind, started_at, duration_ms, outcome, error
		 FROM fires WHERE entry_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`, entryID)

	var rec Record
	var durationMS int64
	var outcome string
	err := row.Scan(&rec.EntryID, &rec.Kind, &rec.StartedAt, &durationMS, &outcome, &rec.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last fire: %w", err)
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	rec.Outcome = Outcome(outcome)
	return &rec, nil
}

// Recent returns the newest records, most recent first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT entry_id, kind, started_at, duration_ms, outcome, error
		 FROM fires ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var durationMS int64
		var outcome string
		if err := rows.Scan(&rec.EntryID, &rec.Kind, &rec.StartedAt, &durationMS, &outcome, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.Outcome = Outcome(outcome)
		out = append(out, rec)
	}
	return out, rows.Err()
}
