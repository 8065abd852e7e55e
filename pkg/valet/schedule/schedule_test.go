package schedule

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConvertWeekdays(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0 9 * * 1-5", "0 9 * * MON-FRI"},
		{"0 9 * * 0", "0 9 * * SUN"},
		{"0 9 * * 7", "0 9 * * SUN"},
		{"30 8 * * 1,3,5", "30 8 * * MON,WED,FRI"},
		{"0 0 * * */2", "0 0 * * */2"},
		{"0 0 * * 1-5/2", "0 0 * * MON-FRI/2"},
		{"*/15 * * * *", "*/15 * * * *"},
		{"0 9 * * MON-FRI", "0 9 * * MON-FRI"},
		{"@daily", "@daily"},
	}
	for _, tt := range tests {
		got, err := ConvertWeekdays(tt.in)
		if err != nil {
			t.Errorf("ConvertWeekdays(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ConvertWeekdays(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConvertWeekdaysRejects(t *testing.T) {
	for _, expr := range []string{"0 9 * *", "0 9 * * 8", "0 9 * * 1-9", "0 9 * * 1/x"} {
		if _, err := ConvertWeekdays(expr); err == nil {
			t.Errorf("ConvertWeekdays(%q) accepted", expr)
		}
	}
}

func TestParseCronNext(t *testing.T) {
	sched, err := ParseCron("0 9 * * 1-5")
	if err != nil {
		t.Fatal(err)
	}
	// A Saturday; next fire must be Monday 09:00.
	sat := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	next := sched.Next(sat)
	if next.Weekday() != time.Monday || next.Hour() != 9 {
		t.Errorf("next = %v", next)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Check the oven!", "check-the-oven"},
		{"  lots   of spaces  ", "lots-of-spaces"},
		{"Déjà vu: review PR #42", "d-j-vu-review-pr-42"},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReminderRoundTrip(t *testing.T) {
	r, err := NewReminder(time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC), "watch the deploy", 0, 3, "")
	if err != nil {
		t.Fatal(err)
	}
	r.Background = true
	r.Model = "haiku"
	r.Thinking = false
	r.UpdateMainSession = UpdateAlways
	r.AllowedTools = []string{"Bash", "Read"}

	parsed, err := ParseReminder(r.Serialize())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.ID != r.ID || !parsed.RunAt.Equal(r.RunAt) || parsed.Message != r.Message {
		t.Errorf("parsed = %+v", parsed)
	}
	if !parsed.Background || parsed.Model != "haiku" || parsed.Thinking {
		t.Errorf("flags lost: %+v", parsed)
	}
	if parsed.MaxChain != 3 || parsed.ChainParent != r.ID {
		t.Errorf("chain lost: %+v", parsed)
	}
	if parsed.UpdateMainSession != UpdateAlways || len(parsed.AllowedTools) != 2 {
		t.Errorf("policy lost: %+v", parsed.Policy)
	}
}

func TestSerializeOmitsDefaults(t *testing.T) {
	r, err := NewRoutine("0 9 * * 1-5", "morning briefing")
	if err != nil {
		t.Fatal(err)
	}
	text := string(r.Serialize())
	for _, absent := range []string{"background", "thinking", "allow_ping", "update_main_session", "skip_if_busy"} {
		if strings.Contains(text, absent) {
			t.Errorf("default %q serialized:\n%s", absent, text)
		}
	}
}

func TestParseIgnoresUnknownKeys(t *testing.T) {
	data := []byte("id: abc12345\ncron: \"0 9 * * *\"\nfuture_knob: yes\n---\nhello\n")
	r, err := ParseRoutine(data)
	if err != nil {
		t.Fatalf("unknown key rejected: %v", err)
	}
	if r.Message != "hello" {
		t.Errorf("message = %q", r.Message)
	}
}

func TestPolicyMutualExclusion(t *testing.T) {
	p := DefaultPolicy()
	p.AllowedTools = []string{"Bash"}
	p.BlockedTools = []string{"Write"}
	if err := p.Validate(); err == nil {
		t.Error("allowed and blocked tools together accepted")
	}
}

func TestChainScenario(t *testing.T) {
	// max_chain 2: the root plus two follow-ups, then the chain refuses.
	root, err := NewReminder(time.Now().Add(time.Hour), "check the build", 0, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if root.ChainParent != root.ID {
		t.Errorf("root is not its own parent: %q", root.ChainParent)
	}

	cur := root
	for want := 1; want <= 2; want++ {
		next, err := cur.ChainFollowUp(cur.RunAt.Add(time.Hour))
		if err != nil {
			t.Fatalf("follow-up %d refused: %v", want, err)
		}
		if next.ChainDepth != want || next.ChainParent != root.ID || next.MaxChain != 2 {
			t.Errorf("follow-up %d = %+v", want, next)
		}
		cur = next
	}

	if _, err := cur.ChainFollowUp(cur.RunAt.Add(time.Hour)); err == nil {
		t.Error("chain continued past max_chain")
	} else if !strings.Contains(err.Error(), "chain limit") {
		t.Errorf("limit error = %v", err)
	}
}

func TestStoreWriteReadRemove(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	r, err := NewReminder(time.Now().Add(time.Hour), "water the plants", 0, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.WriteReminder(r); err != nil {
		t.Fatal(err)
	}

	got, ok := store.Reminder(r.ID)
	if !ok || got.Message != "water the plants" {
		t.Fatalf("read back = %+v, %v", got, ok)
	}
	if len(store.Reminders()) != 1 {
		t.Error("listing missed the entry")
	}

	path, ok := store.PathFor(KindReminder, r.ID)
	if !ok || !strings.Contains(filepath.Base(path), "water-the-plants") {
		t.Errorf("path = %q", path)
	}

	if err := store.Remove(KindReminder, r.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.Reminder(r.ID); ok {
		t.Error("entry survives removal")
	}
}

func TestStoreSlugCollision(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	for i := 0; i < 3; i++ {
		r, err := NewReminder(time.Now().Add(time.Hour), "same message", 0, 0, "")
		if err != nil {
			t.Fatal(err)
		}
		if err := store.WriteReminder(r); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(store.Reminders()); got != 3 {
		t.Errorf("got %d entries after collisions, want 3", got)
	}
}

func TestStoreSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, nil)
	r, err := NewReminder(time.Now().Add(time.Hour), "valid entry", 0, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.WriteReminder(r); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "reminders", "broken.md")
	if err := os.WriteFile(bad, []byte("no delimiter here"), 0600); err != nil {
		t.Fatal(err)
	}

	list := store.Reminders()
	if len(list) != 1 || list[0].ID != r.ID {
		t.Errorf("listing = %+v", list)
	}
}

func TestStoreCommitHook(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	var actions []string
	store.SetCommitFunc(func(path, action string) error {
		actions = append(actions, action)
		return nil
	})

	r, err := NewReminder(time.Now().Add(time.Hour), "commit me", 0, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.WriteReminder(r); err != nil {
		t.Fatal(err)
	}
	if err := store.Remove(KindReminder, r.ID); err != nil {
		t.Fatal(err)
	}
	if len(actions) != 2 || actions[0] != "write" || actions[1] != "remove" {
		t.Errorf("commit actions = %v", actions)
	}
}
