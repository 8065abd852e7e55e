// Package sched polls the declarative entry store every ten seconds and
// keeps a cron engine in sync with it: routines register under their cron
// expression, reminders as one-shot schedules (past run times bumped a few
// seconds forward), and jobs whose files disappeared are removed.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/valetbot/valet/pkg/valet/clock"
	"github.com/valetbot/valet/pkg/valet/schedule"
)

// PollInterval is how often the store is re-read.
const PollInterval = 10 * time.Second

// pastBump pushes an overdue reminder slightly forward so it fires once
// instead of being dropped.
const pastBump = 5 * time.Second

// Firer receives due entries. Implementations must not block the
// scheduler; long work runs on its own goroutine.
type Firer interface {
	FireRoutine(r *schedule.Routine)
	FireReminder(r *schedule.Reminder)
}

// registeredJob tracks one cron entry and the spec it was built from so
// edits to the underlying file re-register the job.
type registeredJob struct {
	entryID cron.EntryID
	spec    string
}

// Loop is the store-to-cron synchronizer.
type Loop struct {
	store  *schedule.Store
	firer  Firer
	clk    clock.Clock
	logger *slog.Logger
	cron   *cron.Cron

	mu   sync.Mutex
	jobs map[string]registeredJob
}

// NewLoop creates the loop. loc sets the cron engine's timezone.
func NewLoop(store *schedule.Store, firer Firer, clk clock.Clock, loc *time.Location, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Loop{
		store:  store,
		firer:  firer,
		clk:    clk,
		logger: logger.With("component", "scheduler"),
		cron:   cron.New(cron.WithLocation(loc)),
		jobs:   make(map[string]registeredJob),
	}
}

// Start runs the poll loop until ctx is cancelled. Blocks.
func (l *Loop) Start(ctx context.Context) {
	l.cron.Start()
	defer l.cron.Stop()

	l.Sync()
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sync()
		case <-ctx.Done():
			return
		}
	}
}

// Sync reconciles the cron engine with the entry store.
func (l *Loop) Sync() {
	desired := make(map[string]bool)

	for _, r := range l.store.Routines() {
		key := "routine_" + r.ID
		desired[key] = true
		l.ensureRoutine(key, r)
	}
	for _, r := range l.store.Reminders() {
		key := "rem_" + r.ID
		desired[key] = true
		l.ensureReminder(key, r)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, job := range l.jobs {
		if !desired[key] {
			l.cron.Remove(job.entryID)
			delete(l.jobs, key)
			l.logger.Info("job removed", "key", key)
		}
	}
}

func (l *Loop) ensureRoutine(key string, r *schedule.Routine) {
	l.mu.Lock()
	existing, ok := l.jobs[key]
	l.mu.Unlock()
	if ok && existing.spec == r.Cron {
		return
	}

	sched, err := schedule.ParseCron(r.Cron)
	if err != nil {
		l.logger.Warn("routine has invalid cron expression", "id", r.ID, "cron", r.Cron, "error", err)
		return
	}
	routine := r
	id := l.cron.Schedule(sched, cron.FuncJob(func() {
		// Re-read the file at fire time to pick up edits between polls.
		current, ok := l.store.Routine(routine.ID)
		if !ok {
			l.logger.Warn("routine vanished before fire", "id", routine.ID)
			return
		}
		l.firer.FireRoutine(current)
	}))

	l.mu.Lock()
	if ok {
		l.cron.Remove(existing.entryID)
	}
	l.jobs[key] = registeredJob{entryID: id, spec: r.Cron}
	l.mu.Unlock()
	l.logger.Info("routine registered", "id", r.ID, "cron", r.Cron)
}

func (l *Loop) ensureReminder(key string, r *schedule.Reminder) {
	runAt := r.RunAt
	if !runAt.After(l.clk.Now()) {
		runAt = l.clk.Now().Add(pastBump)
	}
	spec := runAt.Format(time.RFC3339Nano)

	l.mu.Lock()
	existing, ok := l.jobs[key]
	l.mu.Unlock()
	if ok && existing.spec == spec {
		return
	}

	reminder := r
	id := l.cron.Schedule(onceSchedule{at: runAt}, cron.FuncJob(func() {
		l.fireReminderOnce(key, reminder)
	}))

	l.mu.Lock()
	if ok {
		l.cron.Remove(existing.entryID)
	}
	l.jobs[key] = registeredJob{entryID: id, spec: spec}
	l.mu.Unlock()
	l.logger.Info("reminder registered", "id", r.ID, "run_at", runAt)
}

// fireReminderOnce dispatches a due reminder and prunes both the job and
// the entry file so the one-shot never re-registers.
func (l *Loop) fireReminderOnce(key string, r *schedule.Reminder) {
	l.mu.Lock()
	job, ok := l.jobs[key]
	if ok {
		l.cron.Remove(job.entryID)
		delete(l.jobs, key)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	if err := l.store.Remove(schedule.KindReminder, r.ID); err != nil {
		l.logger.Warn("failed to prune fired reminder", "id", r.ID, "error", err)
	}
	l.firer.FireReminder(r)
}

// JobKeys returns the registered job keys, for status output.
func (l *Loop) JobKeys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.jobs))
	for k := range l.jobs {
		keys = append(keys, k)
	}
	return keys
}

// onceSchedule fires exactly once at a fixed instant.
type onceSchedule struct {
	at time.Time
}

// Next implements cron.Schedule. The zero time after the instant passes
// tells the engine there is nothing further.
func (o onceSchedule) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}
