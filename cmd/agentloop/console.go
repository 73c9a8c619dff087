package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/floegence/agentloop/internal/auditlog"
	"github.com/floegence/agentloop/internal/engine"
)

const tickInterval = 50 * time.Millisecond

const (
	sectionNone = iota
	sectionThinking
	sectionText
)

// console drives the engine from stdin: it ticks the poll methods,
// streams deltas and notices to stdout, and routes input to whichever
// approval, plan, or recovery prompt is pending. When stdin is not a
// terminal the prompts auto-resolve to the safe side (deny, reject,
// discard) with a printed warning.
type console struct {
	eng         *engine.Engine
	audit       *auditlog.Store
	out         *bufio.Writer
	interactive bool

	section     int // which stream the cursor sits in
	atLineStart bool
	promptShown bool
	turnDone    bool
}

func newConsole(interactive bool, audit *auditlog.Store) *console {
	return &console{
		audit:       audit,
		out:         bufio.NewWriter(os.Stdout),
		interactive: interactive,
		atLineStart: true,
	}
}

func (c *console) welcome(model, dataDir string) {
	fmt.Fprintf(c.out, "agentloop %s (model %s, data %s)\n", Version, model, dataDir)
	if c.interactive {
		fmt.Fprintln(c.out, "Type a message and press Enter; /help lists commands.")
	}
	c.flushPrompt()
}

func (c *console) loop(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tick(ctx)
		case line, ok := <-lines:
			if !ok {
				c.finishLine()
				return nil
			}
			if quit := c.handleLine(ctx, line); quit {
				return nil
			}
		case sig := <-sigs:
			if sig == syscall.SIGINT && cancellable(c.eng.State()) {
				c.eng.Cancel(ctx)
				c.tick(ctx)
				continue
			}
			// Journals stay on disk; the next start runs crash recovery.
			c.finishLine()
			return nil
		}
	}
}

func cancellable(st engine.StateKind) bool {
	switch st {
	case engine.StateStreaming, engine.StateToolLoop, engine.StatePlanApproval, engine.StateDistilling:
		return true
	}
	return false
}

func (c *console) tick(ctx context.Context) {
	c.eng.PollStream(ctx)
	c.eng.PollToolLoop(ctx)
	c.eng.PollDistillation(ctx)
	c.eng.PollJournalCleanup(ctx)
	c.render(ctx)
}

func (c *console) render(ctx context.Context) {
	if s := c.eng.TakeNewThinking(); s != "" {
		c.streamOut(sectionThinking, s)
	}
	if s := c.eng.TakeNewText(); s != "" {
		c.streamOut(sectionText, s)
	}
	notices := c.eng.TakeNotices()
	for _, n := range notices {
		c.printLine("* " + n)
	}
	if c.turnDone {
		c.turnDone = false
		c.finishLine()
		c.section = sectionNone
		c.flushPrompt()
	} else if len(notices) > 0 && c.atLineStart {
		// Notices outside a turn, like distillation finishing, end
		// without a turn-finished signal; restore the prompt here.
		c.flushPrompt()
	}
	c.maybePrompt(ctx)
	c.out.Flush()
}

// streamOut appends delta text, marking the thinking block so it reads
// apart from the reply.
func (c *console) streamOut(section int, s string) {
	if c.section != section {
		c.finishLine()
		if section == sectionThinking {
			fmt.Fprintln(c.out, "[thinking]")
		} else if c.section == sectionThinking {
			fmt.Fprintln(c.out, "[reply]")
		}
		c.section = section
	}
	fmt.Fprint(c.out, s)
	c.atLineStart = strings.HasSuffix(s, "\n")
}

func (c *console) finishLine() {
	if !c.atLineStart {
		fmt.Fprintln(c.out)
		c.atLineStart = true
	}
	c.out.Flush()
}

func (c *console) printLine(s string) {
	c.finishLine()
	fmt.Fprintln(c.out, s)
}

// flushPrompt shows the input prompt when the engine is ready for a turn.
func (c *console) flushPrompt() {
	if c.interactive && c.eng.State() == engine.StateIdle {
		fmt.Fprint(c.out, "> ")
		c.atLineStart = false
	}
	c.out.Flush()
}

// maybePrompt renders the pending approval, plan, or recovery prompt
// once per pending set, or auto-resolves it when not interactive.
func (c *console) maybePrompt(ctx context.Context) {
	if reqs := c.eng.PendingApprovals(); len(reqs) > 0 {
		if !c.interactive {
			c.printLine("* Tool approval required but stdin is not a terminal; denying all")
			if err := c.eng.DenyAll(ctx); err == nil {
				c.audit.Append(batchEntry("denied", reqs, true))
			}
			return
		}
		if !c.promptShown {
			c.finishLine()
			fmt.Fprintf(c.out, "%d tool call(s) need approval:\n", len(reqs))
			for i, r := range reqs {
				fmt.Fprintf(c.out, "  %d. %s (id %s): %s\n", i+1, r.ToolName, r.CallID, r.Summary)
			}
			fmt.Fprint(c.out, "Approve? [y] all, [d] deny all, or ids/numbers separated by commas: ")
			c.atLineStart = false
			c.promptShown = true
		}
		return
	}
	if plan, ok := c.eng.PendingPlan(); ok {
		if !c.interactive {
			c.printLine("* Plan approval required but stdin is not a terminal; rejecting")
			if err := c.eng.ResolvePlanApproval(ctx, false); err == nil {
				c.audit.Append(auditlog.Entry{Action: "plan", Decision: "rejected", Auto: true})
			}
			return
		}
		if !c.promptShown {
			c.printLine("Proposed plan:")
			fmt.Fprintln(c.out, indent(plan, "  "))
			fmt.Fprint(c.out, "Approve plan? [y/n]: ")
			c.atLineStart = false
			c.promptShown = true
		}
		return
	}
	if summary, ok := c.eng.RecoverySummary(); ok {
		if !c.interactive {
			c.printLine("* Crash recovery pending but stdin is not a terminal; discarding the interrupted batch")
			if err := c.eng.ResolveToolRecovery(ctx, false); err == nil {
				c.audit.Append(auditlog.Entry{Action: "recovery", Decision: "discarded", Auto: true, Detail: summary})
			}
			return
		}
		if !c.promptShown {
			c.printLine("Interrupted tool batch found: " + summary)
			fmt.Fprint(c.out, "[R] finalize with recovered results, [D] discard: ")
			c.atLineStart = false
			c.promptShown = true
		}
		return
	}
	c.promptShown = false
}

// handleLine routes one input line. Returns true when the user asked to
// quit.
func (c *console) handleLine(ctx context.Context, raw string) bool {
	line := strings.TrimSpace(raw)

	// An empty line re-renders whichever prompt is pending.
	if line == "" {
		c.promptShown = false
		c.maybePrompt(ctx)
		c.flushPrompt()
		c.out.Flush()
		return false
	}

	if reqs := c.eng.PendingApprovals(); len(reqs) > 0 {
		c.promptShown = false
		switch strings.ToLower(line) {
		case "y", "a", "yes":
			if err := c.eng.ApproveAll(ctx); err == nil {
				c.audit.Append(batchEntry("approved", reqs, false))
			}
		case "d", "n", "no":
			if err := c.eng.DenyAll(ctx); err == nil {
				c.audit.Append(batchEntry("denied", reqs, false))
			}
		default:
			ids := matchCallIDs(line, reqs)
			if len(ids) == 0 {
				c.printLine("Unrecognized choice; type y, d, or ids/numbers separated by commas.")
				c.maybePrompt(ctx)
				c.out.Flush()
				return false
			}
			if err := c.eng.ApproveSelected(ctx, ids); err == nil {
				c.audit.Append(selectedEntry(ids, reqs))
			}
		}
		c.out.Flush()
		return false
	}

	if _, ok := c.eng.PendingPlan(); ok {
		c.promptShown = false
		switch strings.ToLower(line) {
		case "y", "yes":
			if err := c.eng.ResolvePlanApproval(ctx, true); err == nil {
				c.audit.Append(auditlog.Entry{Action: "plan", Decision: "approved"})
			}
		case "n", "no", "d":
			if err := c.eng.ResolvePlanApproval(ctx, false); err == nil {
				c.audit.Append(auditlog.Entry{Action: "plan", Decision: "rejected"})
			}
		default:
			c.printLine("Type y to approve the plan or n to reject it.")
			c.maybePrompt(ctx)
		}
		c.out.Flush()
		return false
	}

	if summary, ok := c.eng.RecoverySummary(); ok {
		c.promptShown = false
		switch strings.ToLower(line) {
		case "r":
			if err := c.eng.ResolveToolRecovery(ctx, true); err == nil {
				c.audit.Append(auditlog.Entry{Action: "recovery", Decision: "finalized", Detail: summary})
			}
		case "d":
			if err := c.eng.ResolveToolRecovery(ctx, false); err == nil {
				c.audit.Append(auditlog.Entry{Action: "recovery", Decision: "discarded", Detail: summary})
			}
		default:
			c.printLine("Type R to finalize the recovered batch or D to discard it.")
			c.maybePrompt(ctx)
		}
		c.out.Flush()
		return false
	}

	switch line {
	case "/quit", "/exit":
		return true
	case "/help":
		c.printHelp()
		c.flushPrompt()
		return false
	case "/audit":
		c.printAudit()
		c.flushPrompt()
		return false
	case "/distill":
		if err := c.eng.StartDistillation(ctx); err != nil {
			c.printLine("Cannot distill: " + err.Error())
			c.flushPrompt()
			return false
		}
		c.printLine("Distilling the conversation in the background.")
		c.out.Flush()
		return false
	}

	if err := c.eng.StartTurn(ctx, line); err != nil {
		switch {
		case errors.Is(err, engine.ErrBusy):
			c.printLine("An operation is already in progress; Ctrl-C cancels it.")
		case errors.Is(err, engine.ErrBlocked):
			c.printLine("Recovery is blocked; restart with -reset-journals to clear both journals.")
		default:
			c.printLine("Cannot start turn: " + err.Error())
		}
		c.flushPrompt()
	}
	return false
}

func (c *console) printHelp() {
	c.printLine(`Commands:
  /distill   Summarize the conversation into a fresh session
  /audit     Show recent approval and recovery decisions
  /quit      Exit (journals are kept for next-start recovery)
Anything else is sent to the model.`)
}

func (c *console) printAudit() {
	entries, err := c.audit.List(20)
	if err != nil {
		c.printLine("Cannot read the audit trail: " + err.Error())
		return
	}
	if len(entries) == 0 {
		c.printLine("No decisions recorded yet.")
		return
	}
	c.finishLine()
	for _, e := range entries {
		line := e.CreatedAt + " " + e.Action + " " + e.Decision
		if len(e.Tools) > 0 {
			line += " (" + strings.Join(e.Tools, ", ") + ")"
		}
		if e.Auto {
			line += " [auto]"
		}
		fmt.Fprintln(c.out, line)
	}
}

func batchEntry(decision string, reqs []engine.ApprovalRequest, auto bool) auditlog.Entry {
	e := auditlog.Entry{Action: "tool_batch", Decision: decision, Auto: auto}
	for _, r := range reqs {
		e.Calls = append(e.Calls, r.CallID)
		e.Tools = append(e.Tools, r.ToolName)
	}
	return e
}

func selectedEntry(ids []string, reqs []engine.ApprovalRequest) auditlog.Entry {
	names := make(map[string]string, len(reqs))
	for _, r := range reqs {
		names[r.CallID] = r.ToolName
	}
	e := auditlog.Entry{Action: "tool_batch", Decision: "approved_selected", Calls: ids}
	for _, id := range ids {
		e.Tools = append(e.Tools, names[id])
	}
	return e
}

// matchCallIDs resolves comma- or space-separated call ids and 1-based
// list numbers against the pending set. Unknown tokens are dropped.
func matchCallIDs(line string, reqs []engine.ApprovalRequest) []string {
	known := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		known[r.CallID] = true
	}
	sep := func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }
	var ids []string
	for _, f := range strings.FieldsFunc(line, sep) {
		if n, err := strconv.Atoi(f); err == nil && n >= 1 && n <= len(reqs) {
			ids = append(ids, reqs[n-1].CallID)
			continue
		}
		if known[f] {
			ids = append(ids, f)
		}
	}
	return ids
}

func indent(s, prefix string) string {
	parts := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, p := range parts {
		parts[i] = prefix + p
	}
	return strings.Join(parts, "\n")
}
