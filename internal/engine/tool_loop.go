package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/floegence/agentloop/internal/sanitize"
	"github.com/floegence/agentloop/internal/tools"
	"github.com/floegence/agentloop/internal/turn"
)

type continuationKind int

const (
	// continueResume starts a follow-up stream so the model can react to
	// the results.
	continueResume continuationKind = iota
	// continueFinish ends the turn after the batch commits.
	continueFinish
)

// activeExec is one spawned executor. The goroutine owns the Execute call
// and reports through the two channels; the driver never blocks on it.
type activeExec struct {
	call    tools.Call
	events  chan tools.Event
	done    chan execOutcome
	cancel  context.CancelFunc
	timeout time.Duration
}

type execOutcome struct {
	content string
	err     error
}

// batchPlan is the outcome of pre-resolution: which unresolved calls run
// immediately, which wait for confirmation, and whether a plan call parks
// the whole batch.
type batchPlan struct {
	requests    []ApprovalRequest
	planCallID  string
	planSummary string
}

// enterToolLoop moves a finished stream with tool calls into the batch
// pipeline. The stream step stays sealed in its journal until the batch
// commits; the iteration guard runs before the gate or the journal ever
// see the batch.
func (e *Engine) enterToolLoop(ctx context.Context, st *streamingState) {
	m := st.msg
	calls, preResolved := m.TakeToolCalls()

	if _, err := e.streams.SealUnsealed(ctx, st.stepID); err != nil {
		e.log.Warn("seal step", "step", st.stepID, "err", err)
	}

	loop := &toolLoopState{
		phase:         phaseProcessing,
		stepID:        st.stepID,
		model:         st.model,
		assistantText: sanitize.Text(m.Content()),
		thinking:      m.ThinkingMessages(),
		calls:         calls,
		results:       map[string]tools.Result{},
		needsApproval: map[string]bool{},
	}
	if st.batch != nil {
		loop.proof = st.batch.proof
		loop.journaled = true
		if err := e.batches.UpdateAssistantText(ctx, loop.proof.BatchID(), loop.assistantText); err != nil {
			e.failToolJournal(ctx, loop, err)
			return
		}
	}

	if e.iterations >= e.limits.MaxToolIterationsPerTurn {
		e.discardBatchJournal(ctx, loop)
		for _, c := range loop.calls {
			loop.results[c.ID] = tools.ErrorResult(c.ID, c.Name, "Max tool iterations reached")
		}
		e.transitionTo(loop)
		e.notify("Max tool iterations reached")
		e.commitToolBatch(ctx, loop, continueFinish)
		return
	}
	e.iterations++

	if !e.gate.Enabled() {
		e.discardBatchJournal(ctx, loop)
		for _, r := range preResolved {
			loop.results[r.CallID] = r
		}
		gateMsg := fmt.Sprintf("Tool execution disabled: tool journal unavailable (%s)", e.gate.Reason())
		for _, c := range loop.calls {
			if _, done := loop.results[c.ID]; !done {
				loop.results[c.ID] = tools.ErrorResult(c.ID, c.Name, gateMsg)
			}
		}
		e.transitionTo(loop)
		e.commitToolBatch(ctx, loop, continueFinish)
		return
	}

	for _, r := range preResolved {
		if !e.recordResult(ctx, loop, r) {
			return
		}
	}

	plan, ok := e.planToolCalls(ctx, loop)
	if !ok {
		return
	}

	if plan.planCallID != "" {
		loop.requests = plan.requests
		e.transitionTo(&planApprovalState{
			loop:        loop,
			planCallID:  plan.planCallID,
			planSummary: plan.planSummary,
		})
		e.notify("Plan approval required")
		return
	}
	if len(plan.requests) > 0 {
		loop.phase = phaseAwaitingApproval
		loop.requests = plan.requests
		e.transitionTo(loop)
		e.notify(fmt.Sprintf("%d tool call(s) awaiting approval", len(plan.requests)))
		return
	}
	loop.phase = phaseExecuting
	loop.execQueue = loop.unresolved()
	e.transitionTo(loop)
	e.spawnNext(ctx, loop)
}

// planToolCalls runs the pre-resolution pipeline over the unresolved
// calls: duplicate ids, the per-batch cap, argument size, registry lookup,
// schema validation, then the policy split into confirm-first and
// execute-now. Returns false when a journal fault ended the batch early.
func (e *Engine) planToolCalls(ctx context.Context, st *toolLoopState) (*batchPlan, bool) {
	plan := &batchPlan{}
	seen := map[string]bool{}
	for i, c := range st.calls {
		if _, done := st.results[c.ID]; done {
			seen[c.ID] = true
			continue
		}
		if seen[c.ID] {
			if !e.recordResult(ctx, st, tools.ErrorResult(c.ID, c.Name, "Duplicate tool call id: "+c.ID)) {
				return nil, false
			}
			continue
		}
		seen[c.ID] = true
		if i >= e.limits.MaxToolCallsPerBatch {
			if !e.recordResult(ctx, st, tools.ErrorResult(c.ID, c.Name, "Exceeded max tool calls per batch")) {
				return nil, false
			}
			continue
		}
		if len(c.Args) > e.limits.MaxToolArgsBytes {
			if !e.recordResult(ctx, st, tools.ErrorResult(c.ID, c.Name, "Tool arguments too large")) {
				return nil, false
			}
			continue
		}
		if e.policy.Denylisted(c.Name) {
			if !e.recordResult(ctx, st, tools.ErrorResult(c.ID, c.Name, fmt.Sprintf("Tool '%s' is denied by policy", c.Name))) {
				return nil, false
			}
			continue
		}
		exec, err := e.registry.Lookup(c.Name)
		if err != nil {
			if !e.recordResult(ctx, st, tools.ErrorResult(c.ID, c.Name, err.Error())) {
				return nil, false
			}
			continue
		}
		if err := e.registry.ValidateArgs(c.Name, c.Args); err != nil {
			if !e.recordResult(ctx, st, tools.ErrorResult(c.ID, c.Name, err.Error())) {
				return nil, false
			}
			continue
		}
		if e.policy.Mode == tools.ModeStrict && c.Name != tools.PlanToolName && !e.policy.Allowlisted(c.Name) {
			if !e.recordResult(ctx, st, tools.ErrorResult(c.ID, c.Name, fmt.Sprintf("Tool '%s' is not allowlisted", c.Name))) {
				return nil, false
			}
			continue
		}

		summary, serr := exec.Summary(c.Args)
		if serr != nil || summary == "" {
			summary = c.Name
		}
		summary = truncateRunes(sanitize.TerminalText(summary), approvalSummaryMaxRunes)

		if c.Name == tools.PlanToolName {
			plan.planCallID = c.ID
			plan.planSummary = summary
			continue
		}
		if e.policy.NeedsConfirmation(exec, c.Args) {
			st.needsApproval[c.ID] = true
			plan.requests = append(plan.requests, ApprovalRequest{
				CallID:   c.ID,
				ToolName: c.Name,
				Summary:  summary,
			})
		}
	}
	return plan, true
}

// ApproveAll lets every held call execute.
func (e *Engine) ApproveAll(ctx context.Context) error {
	st, ok := e.state.(*toolLoopState)
	if !ok || st.phase != phaseAwaitingApproval {
		return ErrNoApprovalPending
	}
	approved := map[string]bool{}
	for id := range st.needsApproval {
		approved[id] = true
	}
	e.resolveApprovals(ctx, st, approved)
	return nil
}

// ApproveSelected executes only the named held calls and denies the rest.
// Execute-now calls are unaffected.
func (e *Engine) ApproveSelected(ctx context.Context, ids []string) error {
	st, ok := e.state.(*toolLoopState)
	if !ok || st.phase != phaseAwaitingApproval {
		return ErrNoApprovalPending
	}
	approved := map[string]bool{}
	for _, id := range ids {
		if st.needsApproval[id] {
			approved[id] = true
		}
	}
	e.resolveApprovals(ctx, st, approved)
	return nil
}

// DenyAll denies the whole batch, execute-now calls included. No executor
// runs; every unresolved call gets a uniform denial result.
func (e *Engine) DenyAll(ctx context.Context) error {
	st, ok := e.state.(*toolLoopState)
	if !ok || st.phase != phaseAwaitingApproval {
		return ErrNoApprovalPending
	}
	e.resolveUnrunAndCommit(ctx, st, "Tool call denied by user", continueResume)
	return nil
}

// resolveApprovals records a denial for each unapproved held call and
// starts executing the remainder in original call order.
func (e *Engine) resolveApprovals(ctx context.Context, st *toolLoopState, approved map[string]bool) {
	st.phase = phaseExecuting
	st.requests = nil
	for _, c := range st.calls {
		if _, done := st.results[c.ID]; done {
			continue
		}
		if st.needsApproval[c.ID] && !approved[c.ID] {
			if !e.recordResult(ctx, st, tools.ErrorResult(c.ID, c.Name, "Tool call denied by user")) {
				return
			}
		}
	}
	st.needsApproval = map[string]bool{}
	st.execQueue = st.unresolved()
	st.execIdx = 0
	e.spawnNext(ctx, st)
}

// ResolvePlanApproval settles a parked plan. Approval pre-resolves the
// plan call and re-enters the tool loop; rejection denies the plan and
// everything riding on it, and the model gets the results to replan.
func (e *Engine) ResolvePlanApproval(ctx context.Context, approve bool) error {
	st, ok := e.state.(*planApprovalState)
	if !ok {
		return ErrNoApprovalPending
	}
	loop := st.loop
	if !approve {
		if !e.recordResult(ctx, loop, tools.ErrorResult(st.planCallID, tools.PlanToolName, "Plan rejected by user")) {
			return nil
		}
		e.resolveUnrunAndCommit(ctx, loop, "Tool call denied by user", continueResume)
		return nil
	}

	if !e.recordResult(ctx, loop, tools.SuccessResult(st.planCallID, tools.PlanToolName, "Plan approved by user")) {
		return nil
	}
	e.transitionTo(loop)
	if len(loop.requests) > 0 {
		loop.phase = phaseAwaitingApproval
		e.notify(fmt.Sprintf("%d tool call(s) awaiting approval", len(loop.requests)))
		return nil
	}
	loop.phase = phaseExecuting
	loop.execQueue = loop.unresolved()
	loop.execIdx = 0
	e.spawnNext(ctx, loop)
	return nil
}

// spawnNext starts the next unresolved queued call, or commits the batch
// when the queue is exhausted.
func (e *Engine) spawnNext(ctx context.Context, st *toolLoopState) {
	for st.execIdx < len(st.execQueue) {
		call := st.execQueue[st.execIdx]
		if _, done := st.results[call.ID]; done {
			st.execIdx++
			continue
		}
		exec, err := e.registry.Lookup(call.Name)
		if err != nil {
			if !e.recordResult(ctx, st, tools.ErrorResult(call.ID, call.Name, err.Error())) {
				return
			}
			st.execIdx++
			continue
		}
		if st.journaled {
			if jerr := e.batches.MarkCallStarted(ctx, st.proof.BatchID(), call.ID, time.Now().UnixMilli()); jerr != nil {
				e.failToolJournal(ctx, st, jerr)
				return
			}
		}

		timeout := exec.Timeout()
		if timeout <= 0 {
			timeout = e.limits.ToolTimeout
		}
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		active := &activeExec{
			call:    call,
			events:  make(chan tools.Event, ToolEventChannelCapacity),
			done:    make(chan execOutcome, 1),
			cancel:  cancel,
			timeout: timeout,
		}
		st.active = active
		req := tools.Request{
			CallID:         call.ID,
			Args:           call.Args,
			WorkingDir:     e.workingDir,
			MaxOutputBytes: e.limits.MaxToolOutputBytes,
			Events:         active.events,
		}
		go func() {
			content, execErr := exec.Execute(runCtx, req)
			active.done <- execOutcome{content: content, err: execErr}
		}()
		return
	}
	e.commitToolBatch(ctx, st, continueResume)
}

// PollToolLoop drives the active executor without blocking. Progress
// events are drained first so process metadata reaches the journal before
// the result can, then a finished executor's result is recorded and the
// next call spawns.
func (e *Engine) PollToolLoop(ctx context.Context) {
	st, ok := e.state.(*toolLoopState)
	if !ok || st.phase != phaseExecuting || st.active == nil {
		return
	}
	a := st.active

	for {
		select {
		case ev := <-a.events:
			if ev.Kind == tools.EventProcessSpawned && st.journaled {
				if err := e.batches.RecordCallProcess(ctx, st.proof.BatchID(), ev.CallID, ev.Pid, ev.ProcessStartedAtUnixMs); err != nil {
					e.failToolJournal(ctx, st, err)
					return
				}
			}
			continue
		default:
		}
		break
	}

	select {
	case out := <-a.done:
		a.cancel()
		st.active = nil
		var r tools.Result
		if out.err != nil {
			r = tools.ErrorResult(a.call.ID, a.call.Name, e.execErrorContent(a, out.err))
		} else {
			content := tools.TruncateOutput(sanitize.Text(out.content), e.limits.MaxToolOutputBytes)
			r = tools.SuccessResult(a.call.ID, a.call.Name, content)
		}
		if !e.recordResult(ctx, st, r) {
			return
		}
		st.execIdx++
		e.spawnNext(ctx, st)
	default:
	}
}

func (e *Engine) execErrorContent(a *activeExec, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("Tool '%s' timed out after %ds", a.call.Name, int(a.timeout.Seconds()))
	}
	return sanitize.Text(err.Error())
}

// recordResult stores one result and journals it. Returns false when the
// journal write failed; in that case the batch has already been failed
// closed and committed, and the caller must stop.
func (e *Engine) recordResult(ctx context.Context, st *toolLoopState, r tools.Result) bool {
	st.results[r.CallID] = r
	if !st.journaled {
		return true
	}
	if err := e.batches.RecordResult(ctx, st.proof.BatchID(), r); err != nil {
		e.failToolJournal(ctx, st, err)
		return false
	}
	return true
}

// failToolJournal is the fail-closed path for any tool journal fault
// mid-loop: the gate latches, the suspect batch rows are dropped, the
// active executor is cancelled, and every remaining call errors out. The
// batch still commits so the model receives a complete, well-formed
// result set.
func (e *Engine) failToolJournal(ctx context.Context, st *toolLoopState, cause error) {
	e.log.Error("tool journal write failed", "batch", st.proof.BatchID(), "err", cause)
	if e.gate.Disable("tool journal write failed") {
		e.notify("Tool journal failed; tool execution disabled for safety")
	}
	e.discardBatchJournal(ctx, st)
	if st.active != nil {
		st.active.cancel()
		st.active = nil
	}
	for _, c := range st.calls {
		if _, done := st.results[c.ID]; !done {
			st.results[c.ID] = tools.ErrorResult(c.ID, c.Name, "Tool execution stopped: tool journal error")
		}
	}
	e.commitToolBatch(ctx, st, continueFinish)
}

// resolveUnrunAndCommit gives every unresolved call the same error result
// and commits.
func (e *Engine) resolveUnrunAndCommit(ctx context.Context, st *toolLoopState, content string, cont continuationKind) {
	if st.active != nil {
		st.active.cancel()
		st.active = nil
	}
	for _, c := range st.calls {
		if _, done := st.results[c.ID]; !done {
			if !e.recordResult(ctx, st, tools.ErrorResult(c.ID, c.Name, content)) {
				return
			}
		}
	}
	e.commitToolBatch(ctx, st, cont)
}

func (e *Engine) cancelToolLoop(ctx context.Context, st *toolLoopState) {
	e.resolveUnrunAndCommit(ctx, st, "Cancelled by user", continueFinish)
}

// discardBatchJournal drops the batch's journal rows and stops journaling
// for the rest of its life.
func (e *Engine) discardBatchJournal(ctx context.Context, st *toolLoopState) {
	if !st.journaled {
		return
	}
	if err := e.batches.DiscardBatch(ctx, st.proof.BatchID()); err != nil {
		e.log.Warn("discard batch journal", "batch", st.proof.BatchID(), "err", err)
	}
	st.journaled = false
}

// commitToolBatch finalizes the batch: results are ordered against the
// original call array, the turn's rows land in history with the step id
// on the first one, and only then are the journals released. History
// failure keeps both journals so the next start replays the batch instead
// of losing it.
func (e *Engine) commitToolBatch(ctx context.Context, st *toolLoopState, cont continuationKind) {
	ordered := make([]tools.Result, 0, len(st.calls))
	for _, c := range st.calls {
		r, ok := st.results[c.ID]
		if !ok {
			r = tools.ErrorResult(c.ID, c.Name, "Missing tool result")
		}
		ordered = append(ordered, r)
	}

	e.transitionTo(idleState{})

	var rows []turn.Message
	rows = append(rows, st.thinking...)
	if st.assistantText != "" {
		if amsg, err := turn.AssistantMessage(st.model, st.assistantText); err == nil {
			rows = append(rows, amsg)
		}
	}
	for _, c := range st.calls {
		rows = append(rows, turn.ToolUseMessage(c.ID, c.Name, string(c.Args)))
	}
	for _, r := range ordered {
		rows = append(rows, turn.ToolResultMessage(r.CallID, r.Name, r.Content, r.IsError))
	}

	if len(rows) > 0 && !e.pushTurnRows(ctx, rows, st.stepID) {
		e.notify("Cannot continue tool loop: history save failed. Stopping to prevent data loss.")
		e.finishTurn()
		return
	}

	if st.stepID.Valid() {
		e.finalizeStreamCommit(ctx, st.stepID)
	}
	if st.journaled {
		if err := e.batches.CommitBatch(ctx, st.proof); err != nil {
			e.log.Warn("tool journal commit failed; queued for retry",
				"batch", st.proof.BatchID(), "err", err)
			if e.gate.Disable("tool journal commit failed") {
				e.notify("Tool journal commit failed; tool execution disabled for safety")
			}
			e.cleanup.pendingToolProof = st.proof
		}
	}

	if cont == continueResume {
		e.startStreaming(ctx, 0)
		return
	}
	e.finishTurn()
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
