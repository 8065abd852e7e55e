package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestPidfileLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.pid")
	if err := AcquirePidfile(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(data)); got != strconv.Itoa(os.Getpid()) {
		t.Errorf("pidfile holds %q", got)
	}

	// Re-acquiring from the same process succeeds.
	if err := AcquirePidfile(path); err != nil {
		t.Errorf("own pidfile refused: %v", err)
	}

	ReleasePidfile(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("pidfile not removed")
	}
}

func TestPidfileStaleTakeover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.pid")
	// PID max on Linux defaults to about 4 million; this one cannot exist.
	if err := os.WriteFile(path, []byte("99999999\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := AcquirePidfile(path); err != nil {
		t.Errorf("stale pidfile not taken over: %v", err)
	}
	ReleasePidfile(path)
}

func TestFireContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := FireFrom(ctx); ok {
		t.Error("empty context carries a fire")
	}

	fc := FireContext{Kind: "routines", EntryID: "abc12345", Background: true}
	ctx = ContextWithFire(ctx, fc)
	got, ok := FireFrom(ctx)
	if !ok || got != fc {
		t.Errorf("FireFrom = %+v, %v", got, ok)
	}
}

func TestInsertPreamble(t *testing.T) {
	tag := "[webhook:build01]"
	body := "\nWEBHOOK DATA (untrusted):\n  status: failed\n"
	preamble := "\nBACKGROUND TASK.\n"

	out := insertPreamble(tag+body, preamble)
	if !strings.HasPrefix(out, tag+"\n") {
		t.Errorf("tag no longer first:\n%s", out)
	}
	if !strings.Contains(out, "BACKGROUND TASK.") || !strings.Contains(out, "WEBHOOK DATA") {
		t.Errorf("sections missing:\n%s", out)
	}
	if strings.Index(out, "BACKGROUND TASK.") > strings.Index(out, "WEBHOOK DATA") {
		t.Error("preamble placed after the payload")
	}

	if got := insertPreamble("no newline", preamble); !strings.HasPrefix(got, "no newline\n") {
		t.Errorf("single-line prompt mishandled: %q", got)
	}
	if got := insertPreamble(tag+body, ""); got != tag+body {
		t.Error("empty preamble changed the prompt")
	}
}

func TestCompactRequestScopedToOneTurn(t *testing.T) {
	o := &Orchestrator{}
	if o.popCompact() {
		t.Error("fresh orchestrator has a compaction request")
	}

	// compact_session from a fork turn: that turn drains the flag, so the
	// next main turn must not see it.
	if err := o.requestCompact(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !o.popCompact() {
		t.Error("requesting turn did not see the request")
	}
	if o.popCompact() {
		t.Error("request leaked into the next turn")
	}
}
