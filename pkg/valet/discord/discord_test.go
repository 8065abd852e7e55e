package discord

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestComponentRegistryLookup(t *testing.T) {
	r := NewComponentRegistry(nil)
	defer r.Stop()

	called := false
	r.Register("approve:abc", ComponentSpec{
		AllowedUsers: []string{"owner1"},
		Handler: func(ctx context.Context, evt *InteractionEvent) (string, error) {
			called = true
			return "", nil
		},
	})

	if _, ok := r.Lookup("approve:abc", "stranger"); ok {
		t.Error("non-allowed user got a handler")
	}
	h, ok := r.Lookup("approve:abc", "owner1")
	if !ok {
		t.Fatal("allowed user did not get a handler")
	}
	if _, err := h(context.Background(), &InteractionEvent{}); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("handler not invoked")
	}

	r.Unregister("approve:abc")
	if _, ok := r.Lookup("approve:abc", "owner1"); ok {
		t.Error("lookup after unregister succeeded")
	}
}

func TestComponentRegistryExpiry(t *testing.T) {
	r := NewComponentRegistry(nil)
	defer r.Stop()

	r.Register("deny:xyz", ComponentSpec{
		TTL:     time.Millisecond,
		Handler: func(ctx context.Context, evt *InteractionEvent) (string, error) { return "", nil },
	})
	time.Sleep(5 * time.Millisecond)
	if _, ok := r.Lookup("deny:xyz", "anyone"); ok {
		t.Error("expired component still resolvable")
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 2000); len(got) != 1 || got[0] != "short" {
		t.Errorf("short text split: %v", got)
	}

	lines := strings.Repeat(strings.Repeat("x", 80)+"\n", 60)
	chunks := splitMessage(lines, 2000)
	if len(chunks) < 2 {
		t.Fatalf("long text not split, got %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 2000 {
			t.Errorf("chunk %d over limit: %d", i, len(c))
		}
		if strings.Contains(c, "\n\n") {
			continue
		}
	}
	// Content survives modulo boundary whitespace.
	joined := strings.Join(chunks, "\n")
	if strings.ReplaceAll(joined, "\n", "") != strings.ReplaceAll(lines, "\n", "") {
		t.Error("split lost content")
	}
}

func TestOwnerFilterConfig(t *testing.T) {
	s := New(Config{Token: "t", OwnerID: "u1", ChannelID: "c1"}, nil)
	defer s.components.Stop()

	if s.ActiveChannel() != "c1" {
		t.Errorf("active channel = %q, want configured channel", s.ActiveChannel())
	}
	s.SetActiveChannel("c2")
	if s.ActiveChannel() != "c2" {
		t.Errorf("active channel = %q after retarget", s.ActiveChannel())
	}
}
