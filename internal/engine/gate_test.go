package engine

import "testing"

func TestToolGate_LatchKeepsFirstReason(t *testing.T) {
	t.Parallel()

	var g ToolGate
	if !g.Enabled() {
		t.Fatalf("new gate should be enabled")
	}
	if g.Reason() != "" {
		t.Fatalf("Reason()=%q on enabled gate, want empty", g.Reason())
	}

	if !g.Disable("first fault") {
		t.Fatalf("first Disable should report the gate was enabled")
	}
	if g.Enabled() {
		t.Fatalf("gate still enabled after Disable")
	}
	if g.Disable("second fault") {
		t.Fatalf("second Disable should report the gate was already disabled")
	}
	if g.Reason() != "first fault" {
		t.Fatalf("Reason()=%q, want the first reason to stick", g.Reason())
	}
}

func TestToolGate_ClearReopens(t *testing.T) {
	t.Parallel()

	var g ToolGate
	g.Disable("fault")
	g.Clear()
	if !g.Enabled() {
		t.Fatalf("gate should be enabled after Clear")
	}
	if g.Reason() != "" {
		t.Fatalf("Reason()=%q after Clear, want empty", g.Reason())
	}
	if !g.Disable("new fault") {
		t.Fatalf("Disable after Clear should latch again")
	}
	if g.Reason() != "new fault" {
		t.Fatalf("Reason()=%q, want %q", g.Reason(), "new fault")
	}
}
