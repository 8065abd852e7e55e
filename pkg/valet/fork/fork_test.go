package fork

import (
	"testing"
	"time"

	"github.com/valetbot/valet/pkg/valet/clock"
	"github.com/valetbot/valet/pkg/valet/schedule"
)

func newTestState() (*State, *clock.Fake) {
	clk := &clock.Fake{T: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewState(clk), clk
}

func TestModeTransitions(t *testing.T) {
	s, _ := newTestState()
	if s.Mode() != ModeNone {
		t.Fatal("fresh state not idle")
	}

	s.EnterBackground(Policy{AllowPing: true, UpdateMainSession: schedule.UpdateAlways})
	if !s.InBackground() || s.InInteractive() {
		t.Error("background mode not exclusive")
	}
	s.RecordPing()
	s.MarkReported()

	s.Exit()
	if s.Mode() != ModeNone {
		t.Error("exit did not clear the mode")
	}
	if snap := s.Bg(); snap.PingCount != 0 || snap.Reported || snap.OutputSent {
		t.Errorf("bg flags survive exit: %+v", snap)
	}
}

func TestBgBookkeeping(t *testing.T) {
	s, _ := newTestState()
	s.EnterBackground(Policy{AllowPing: true})

	s.RecordPing()
	snap := s.Bg()
	if snap.PingCount != 1 || !snap.OutputSent {
		t.Errorf("after ping: %+v", snap)
	}

	// A critical ping marks output without consuming the limit.
	s.Exit()
	s.EnterBackground(Policy{AllowPing: true})
	s.MarkOutputSent()
	snap = s.Bg()
	if snap.PingCount != 0 || !snap.OutputSent {
		t.Errorf("after critical ping: %+v", snap)
	}
}

func TestIdleDerivations(t *testing.T) {
	s, clk := newTestState()
	s.EnterInteractive(0) // default timeout

	if s.IsIdle() {
		t.Error("fresh fork idle")
	}
	clk.Advance(DefaultIdleTimeout + time.Minute)
	if !s.IsIdle() {
		t.Error("quiet fork not idle")
	}
	if s.ShouldAutoExit() {
		t.Error("auto-exit before the nudge")
	}

	s.MarkPrompted()
	if !s.Prompted() {
		t.Error("nudge not recorded")
	}
	clk.Advance(DefaultIdleTimeout + time.Minute)
	if !s.ShouldAutoExit() {
		t.Error("unanswered nudge does not force exit")
	}

	// Activity clears the pending nudge.
	s.Touch()
	if s.Prompted() || s.IsIdle() || s.ShouldAutoExit() {
		t.Error("touch did not reset idle tracking")
	}
}

func TestCustomIdleTimeout(t *testing.T) {
	s, clk := newTestState()
	s.EnterInteractive(3 * time.Minute)
	clk.Advance(4 * time.Minute)
	if !s.IsIdle() {
		t.Error("custom timeout ignored")
	}
}

func TestExitActions(t *testing.T) {
	s, _ := newTestState()
	if _, _, ok := s.PopExit(); ok {
		t.Error("fresh state has an exit action")
	}

	s.EnterInteractive(0)
	s.SetExitAction(ExitSave, "keep this thread")
	action, summary, ok := s.PopExit()
	if !ok || action != ExitSave || summary != "keep this thread" {
		t.Errorf("pop = %v %q %v", action, summary, ok)
	}
	if _, _, ok := s.PopExit(); ok {
		t.Error("exit action popped twice")
	}
}

func TestChainContext(t *testing.T) {
	s, _ := newTestState()
	if s.Chain() != nil {
		t.Error("fresh state carries a chain")
	}

	rem, err := schedule.NewReminder(time.Now().Add(time.Hour), "watch the deploy", 1, 3, "root1234")
	if err != nil {
		t.Fatal(err)
	}
	s.InstallChain(&ChainContext{Reminder: rem})

	c := s.Chain()
	if c == nil || c.Depth() != 1 || c.Max() != 3 || c.Final() {
		t.Fatalf("chain = %+v", c)
	}

	rem.ChainDepth = 3
	if !c.Final() {
		t.Error("depth==max not final")
	}

	s.ClearChain()
	if s.Chain() != nil {
		t.Error("chain survives clear")
	}
}

func TestPolicyFrom(t *testing.T) {
	p := PolicyFrom(schedule.Policy{})
	if p.UpdateMainSession != schedule.UpdateOnPing {
		t.Errorf("empty mode not defaulted: %q", p.UpdateMainSession)
	}
	p = PolicyFrom(schedule.Policy{UpdateMainSession: schedule.UpdateBlocked, AllowPing: true})
	if p.UpdateMainSession != schedule.UpdateBlocked || !p.AllowPing {
		t.Errorf("policy = %+v", p)
	}
}
