package engine

// ToolGate is the fail-closed latch in front of all tool execution. Any
// tool-journal fault disables it; while disabled, every batch resolves to
// error results without reaching an executor. It never re-enables on its
// own. Clear is called only from the explicit journal reset path.
type ToolGate struct {
	disabled bool
	reason   string
}

// Enabled reports whether tool execution is currently allowed.
func (g *ToolGate) Enabled() bool { return !g.disabled }

// Reason returns why the gate is disabled, empty while enabled.
func (g *ToolGate) Reason() string {
	if !g.disabled {
		return ""
	}
	return g.reason
}

// Disable latches the gate closed. The first reason wins; later calls do
// not overwrite it. Returns whether the gate was enabled before the call,
// so callers can notify the user exactly once.
func (g *ToolGate) Disable(reason string) bool {
	if g.disabled {
		return false
	}
	g.disabled = true
	g.reason = reason
	return true
}

// Clear re-enables the gate. Only the out-of-band reset path calls this.
func (g *ToolGate) Clear() {
	g.disabled = false
	g.reason = ""
}
