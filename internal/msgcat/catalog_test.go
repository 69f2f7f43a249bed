package msgcat

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEmbeddedDefaultsRender(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := c.Render("challenge.received", map[string]any{
		"Requester":   "Alice",
		"TimeControl": "3+2",
		"PoolKind":    "rated",
	})
	if err != nil {
		t.Fatalf("render challenge.received: %v", err)
	}
	if got != "Alice challenged you to a 3+2 rated game." {
		t.Fatalf("challenge.received rendered %q", got)
	}

	got, err = c.Render("rematch.accepted", nil)
	if err != nil {
		t.Fatalf("render rematch.accepted: %v", err)
	}
	if got != "Rematch on! Colors reversed. Good luck!" {
		t.Fatalf("rematch.accepted rendered %q", got)
	}

	// Conditional branch in challenge.cancelled.
	got, err = c.Render("challenge.cancelled", map[string]any{"CancelledBy": ""})
	if err != nil {
		t.Fatalf("render challenge.cancelled: %v", err)
	}
	if got != "The challenge expired." {
		t.Fatalf("challenge.cancelled rendered %q", got)
	}

	if _, err := c.Render("no.such.key", nil); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestOverrideDirWins(t *testing.T) {
	dir := t.TempDir()
	override := "rematch:\n  accepted: \"Run it back.\"\n"
	if err := os.WriteFile(filepath.Join(dir, "custom.yaml"), []byte(override), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}

	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := c.Render("rematch.accepted", nil)
	if err != nil || got != "Run it back." {
		t.Fatalf("override render: %q %v", got, err)
	}
	// Untouched keys keep their defaults.
	if !c.Has("quest.completed") {
		t.Fatalf("default key lost after override")
	}
	got, err = c.Render("match.found", map[string]any{"Opponent": "Bob"})
	if err != nil || !strings.Contains(got, "Bob") {
		t.Fatalf("default render after override: %q %v", got, err)
	}
}
