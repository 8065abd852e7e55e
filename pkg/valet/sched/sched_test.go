package sched

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/valetbot/valet/pkg/valet/clock"
	"github.com/valetbot/valet/pkg/valet/fork"
	"github.com/valetbot/valet/pkg/valet/schedule"
)

type recordingFirer struct {
	mu        sync.Mutex
	routines  []string
	reminders []string
}

func (f *recordingFirer) FireRoutine(r *schedule.Routine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routines = append(f.routines, r.ID)
}

func (f *recordingFirer) FireReminder(r *schedule.Reminder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reminders = append(f.reminders, r.ID)
}

func newTestLoop(t *testing.T) (*Loop, *schedule.Store, *recordingFirer, *clock.Fake) {
	t.Helper()
	store := schedule.NewStore(t.TempDir(), nil)
	firer := &recordingFirer{}
	clk := &clock.Fake{T: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	return NewLoop(store, firer, clk, time.UTC, nil), store, firer, clk
}

func TestSyncRegistersEntries(t *testing.T) {
	loop, store, _, clk := newTestLoop(t)

	r, err := schedule.NewRoutine("0 8 * * *", "morning")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.WriteRoutine(r); err != nil {
		t.Fatal(err)
	}
	rem, err := schedule.NewReminder(clk.Now().Add(time.Hour), "later", 0, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.WriteReminder(rem); err != nil {
		t.Fatal(err)
	}

	loop.Sync()
	keys := loop.JobKeys()
	sort.Strings(keys)
	want := []string{"rem_" + rem.ID, "routine_" + r.ID}
	sort.Strings(want)
	if len(keys) != 2 || keys[0] != want[0] || keys[1] != want[1] {
		t.Errorf("job keys = %v, want %v", keys, want)
	}
}

func TestSyncRemovesDeletedEntries(t *testing.T) {
	loop, store, _, _ := newTestLoop(t)

	r, _ := schedule.NewRoutine("0 8 * * *", "morning")
	if err := store.WriteRoutine(r); err != nil {
		t.Fatal(err)
	}
	loop.Sync()
	if len(loop.JobKeys()) != 1 {
		t.Fatal("routine not registered")
	}

	if err := store.Remove(schedule.KindRoutine, r.ID); err != nil {
		t.Fatal(err)
	}
	loop.Sync()
	if len(loop.JobKeys()) != 0 {
		t.Errorf("deleted routine still registered: %v", loop.JobKeys())
	}
}

func TestSyncReRegistersOnCronChange(t *testing.T) {
	loop, store, _, _ := newTestLoop(t)

	r, _ := schedule.NewRoutine("0 8 * * *", "morning")
	if err := store.WriteRoutine(r); err != nil {
		t.Fatal(err)
	}
	loop.Sync()

	r.Cron = "30 9 * * *"
	if err := store.WriteRoutine(r); err != nil {
		t.Fatal(err)
	}
	loop.Sync()

	loop.mu.Lock()
	job := loop.jobs["routine_"+r.ID]
	loop.mu.Unlock()
	if job.spec != "30 9 * * *" {
		t.Errorf("job spec = %q after edit", job.spec)
	}
}

func TestSyncIdempotent(t *testing.T) {
	loop, store, _, _ := newTestLoop(t)

	r, _ := schedule.NewRoutine("0 8 * * *", "morning")
	if err := store.WriteRoutine(r); err != nil {
		t.Fatal(err)
	}
	loop.Sync()
	loop.mu.Lock()
	first := loop.jobs["routine_"+r.ID].entryID
	loop.mu.Unlock()

	loop.Sync()
	loop.mu.Lock()
	second := loop.jobs["routine_"+r.ID].entryID
	loop.mu.Unlock()
	if first != second {
		t.Error("unchanged routine was re-registered")
	}
}

func TestPastReminderBumpedForward(t *testing.T) {
	loop, store, _, clk := newTestLoop(t)

	rem, err := schedule.NewReminder(clk.Now().Add(-time.Hour), "overdue", 0, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.WriteReminder(rem); err != nil {
		t.Fatal(err)
	}
	loop.Sync()

	loop.mu.Lock()
	job := loop.jobs["rem_"+rem.ID]
	loop.mu.Unlock()
	bumped, err := time.Parse(time.RFC3339Nano, job.spec)
	if err != nil {
		t.Fatal(err)
	}
	if !bumped.After(clk.Now()) {
		t.Errorf("overdue reminder not bumped forward: %v", bumped)
	}
}

func TestFireReminderOncePrunes(t *testing.T) {
	loop, store, firer, clk := newTestLoop(t)

	rem, err := schedule.NewReminder(clk.Now().Add(time.Hour), "later", 0, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.WriteReminder(rem); err != nil {
		t.Fatal(err)
	}
	loop.Sync()

	loop.fireReminderOnce("rem_"+rem.ID, rem)

	if len(firer.reminders) != 1 || firer.reminders[0] != rem.ID {
		t.Errorf("fired = %v", firer.reminders)
	}
	if len(loop.JobKeys()) != 0 {
		t.Errorf("one-shot job still registered: %v", loop.JobKeys())
	}
	if len(store.Reminders()) != 0 {
		t.Error("fired reminder file not pruned")
	}

	// A second fire attempt is a no-op.
	loop.fireReminderOnce("rem_"+rem.ID, rem)
	if len(firer.reminders) != 1 {
		t.Error("pruned reminder fired twice")
	}
}

func TestOnceSchedule(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s := onceSchedule{at: at}
	if got := s.Next(at.Add(-time.Minute)); !got.Equal(at) {
		t.Errorf("Next before instant = %v", got)
	}
	if got := s.Next(at); !got.IsZero() {
		t.Errorf("Next at instant = %v, want zero", got)
	}
}

func TestWatchdogNudgesThenForcesExit(t *testing.T) {
	clk := &clock.Fake{T: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	forks := fork.NewState(clk)
	var nudges []string
	w := NewWatchdog(forks, func(_ context.Context, text string) {
		nudges = append(nudges, text)
	}, nil)

	forks.EnterInteractive(10 * time.Minute)

	w.Tick(context.Background())
	if len(nudges) != 0 {
		t.Fatal("active fork must not be nudged")
	}

	clk.Advance(11 * time.Minute)
	w.Tick(context.Background())
	if len(nudges) != 1 {
		t.Fatalf("idle fork should get one nudge, got %d", len(nudges))
	}

	// Repeated ticks within the grace period stay quiet.
	w.Tick(context.Background())
	if len(nudges) != 1 {
		t.Fatal("nudge repeated before the grace period elapsed")
	}

	clk.Advance(11 * time.Minute)
	w.Tick(context.Background())
	if len(nudges) != 2 {
		t.Fatalf("unanswered nudge should force an exit prompt, got %d nudges", len(nudges))
	}

	// User activity clears the pending nudge.
	forks.Touch()
	w.Tick(context.Background())
	if len(nudges) != 2 {
		t.Error("touched fork must not be nudged again immediately")
	}
}

func TestWatchdogIgnoresBackgroundForks(t *testing.T) {
	clk := &clock.Fake{T: time.Now()}
	forks := fork.NewState(clk)
	called := false
	w := NewWatchdog(forks, func(_ context.Context, _ string) { called = true }, nil)

	forks.EnterBackground(fork.Policy{})
	clk.Advance(time.Hour)
	w.Tick(context.Background())
	if called {
		t.Error("background forks have no idle watchdog")
	}
}
