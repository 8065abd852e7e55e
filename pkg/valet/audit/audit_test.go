package audit

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/valetbot/valet/pkg/valet/clock"
)

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	clk := &clock.Fake{T: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store, err := NewStore(filepath.Join(t.TempDir(), "audit.db"), clk, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store, clk
}

func TestTrackRecordsOutcome(t *testing.T) {
	store, clk := newTestStore(t)

	err := store.Track("routine1", "routines", func() error {
		clk.Advance(3 * time.Second)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Track("rem1", "reminders", func() error {
		return errors.New("agent busy")
	}); err == nil {
		t.Fatal("Track swallowed the fire error")
	}

	recs, err := store.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}

	var ok, failed *Record
	for i := range recs {
		switch recs[i].EntryID {
		case "routine1":
			ok = &recs[i]
		case "rem1":
			failed = &recs[i]
		}
	}
	if ok == nil || failed == nil {
		t.Fatalf("missing records: %+v", recs)
	}
	if ok.Outcome != OutcomeOK || ok.Duration != 3*time.Second {
		t.Errorf("ok record = %+v", ok)
	}
	if failed.Outcome != OutcomeError || failed.Error != "agent busy" {
		t.Errorf("failed record = %+v", failed)
	}
}

func TestSkip(t *testing.T) {
	store, _ := newTestStore(t)
	store.Skip("routine2", "routines", "skip_if_busy")

	recs, err := store.Recent(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Outcome != OutcomeSkipped || recs[0].Error != "skip_if_busy" {
		t.Errorf("records = %+v", recs)
	}
}

func TestRecentOrder(t *testing.T) {
	store, clk := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Track(id, "routines", func() error { return nil }); err != nil {
			t.Fatal(err)
		}
		clk.Advance(time.Minute)
	}
	recs, err := store.Recent(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].EntryID != "c" || recs[1].EntryID != "b" {
		t.Errorf("records = %+v", recs)
	}
}
