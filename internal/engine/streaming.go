package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/floegence/agentloop/internal/journal"
	"github.com/floegence/agentloop/internal/provider"
	"github.com/floegence/agentloop/internal/sanitize"
	"github.com/floegence/agentloop/internal/turn"
)

// StartTurn queues the user's message and begins a streaming turn. The
// message is rolled back from history when streaming cannot start, so a
// failed turn leaves no half-queued state behind. Failures after the
// message is queued are reported in-band through notifications; the error
// return covers only input and queueing problems.
func (e *Engine) StartTurn(ctx context.Context, userText string) error {
	switch e.state.kind() {
	case StateIdle:
	case StateRecoveryBlocked:
		return ErrBlocked
	default:
		return ErrBusy
	}

	msg, err := turn.UserMessage(userText)
	if err != nil {
		return err
	}
	rowID, err := e.history.PushMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("queue user message: %w", err)
	}
	e.startStreaming(ctx, rowID)
	return nil
}

// startStreaming opens a journal session and a provider stream. userRowID
// is the queued user message to roll back on failure, zero for follow-up
// streams after a tool batch.
func (e *Engine) startStreaming(ctx context.Context, userRowID int64) {
	stepID, err := e.streams.BeginSession(ctx, e.model)
	if err != nil {
		e.rollbackUserMessage(ctx, userRowID)
		if errors.Is(err, journal.ErrUnsealedStepExists) {
			// A recoverable step survived from a previous run; it must
			// be resolved before any new turn.
			e.notify("Unfinished session found; running crash recovery")
			if rerr := e.CheckCrashRecovery(ctx); rerr != nil {
				e.log.Error("crash recovery failed", "err", rerr)
			}
			return
		}
		e.notify("Cannot start streaming: " + sanitize.StreamError(err.Error()))
		e.finishTurn()
		return
	}

	req, err := e.buildRequest(ctx)
	if err == nil {
		var events <-chan provider.StreamEvent
		var cancel provider.CancelFunc
		events, cancel, err = e.streamer.StartStream(ctx, req)
		if err == nil {
			msg := newStreamingMessage(e.log, e.model,
				e.limits.MaxToolArgsBytes, e.limits.StreamBudgetBytesPerPoll)
			e.transitionTo(&streamingState{
				stepID:    stepID,
				model:     e.model,
				msg:       msg,
				events:    events,
				cancel:    cancel,
				userRowID: userRowID,
			})
			return
		}
	}

	if derr := e.streams.DiscardStep(ctx, stepID); derr != nil {
		e.log.Warn("discard step after failed start", "step", stepID, "err", derr)
	}
	e.rollbackUserMessage(ctx, userRowID)
	e.notify("Cannot start streaming: " + sanitize.StreamError(err.Error()))
	e.finishTurn()
}

func (e *Engine) buildRequest(ctx context.Context) (provider.Request, error) {
	msgs, err := e.history.Messages(ctx, 0)
	if err != nil {
		return provider.Request{}, fmt.Errorf("load history: %w", err)
	}
	defs := e.registry.Definitions()
	tdefs := make([]provider.ToolDef, 0, len(defs))
	for _, d := range defs {
		tdefs = append(tdefs, provider.ToolDef{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.Schema,
		})
	}
	return provider.Request{
		Model:                e.model,
		Messages:             msgs,
		Tools:                tdefs,
		MaxOutputTokens:      int64(e.maxOutputTokens),
		ThinkingBudgetTokens: int64(e.thinkingBudget),
		PreviousResponseID:   e.responseID,
	}, nil
}

// PollStream drains buffered provider events without blocking. Deltas are
// journaled before they touch the accumulator, so the journal never lags
// what the user has seen. At most the per-poll byte budget of text is
// applied; the rest stays queued and blocks further channel reads until a
// later poll catches up.
func (e *Engine) PollStream(ctx context.Context) {
	st, ok := e.state.(*streamingState)
	if !ok {
		return
	}
	m := st.msg
	m.beginPoll()
	m.applyPending()
	if m.hasPending() {
		return
	}

	for {
		select {
		case ev, open := <-st.events:
			if !open {
				e.finishStreamingError(ctx, st, "stream closed unexpectedly")
				return
			}
			if terminal := e.handleStreamEvent(ctx, st, ev); terminal {
				return
			}
			if m.hasPending() {
				return
			}
		default:
			return
		}
	}
}

// handleStreamEvent journals then applies one event. Returns true when the
// event ended the stream and the engine left the streaming state.
func (e *Engine) handleStreamEvent(ctx context.Context, st *streamingState, ev provider.StreamEvent) bool {
	switch ev.Kind {
	case provider.EventTextDelta:
		if err := e.streams.AppendTextDelta(ctx, st.stepID, ev.Text); err != nil {
			e.abortStreamingJournal(ctx, st, err)
			return true
		}
		st.msg.apply(ev)

	case provider.EventToolCallStart:
		e.journalToolCallStart(ctx, st, ev)
		st.msg.apply(ev)

	case provider.EventToolCallDelta:
		if st.batch != nil && ev.ToolCall != nil &&
			!st.msg.argsWouldExceed(ev.ToolCall.ID, len(ev.ToolCall.ArgsDelta)) {
			err := e.batches.AppendCallArgs(ctx, st.batch.proof.BatchID(), ev.ToolCall.ID, ev.ToolCall.ArgsDelta)
			if err != nil {
				e.disableToolJournalForStream(ctx, st, err)
			}
		}
		st.msg.apply(ev)

	case provider.EventDone:
		if err := e.streams.AppendDone(ctx, st.stepID); err != nil {
			e.abortStreamingJournal(ctx, st, err)
			return true
		}
		e.finishStreaming(ctx, st)
		return true

	case provider.EventError:
		errMsg := sanitize.StreamError(ev.ErrText)
		if err := e.streams.AppendError(ctx, st.stepID, errMsg); err != nil {
			e.abortStreamingJournal(ctx, st, err)
			return true
		}
		e.finishStreamingError(ctx, st, errMsg)
		return true

	default:
		st.msg.apply(ev)
	}
	return false
}

// journalToolCallStart opens the tool batch on the first call and records
// the call row. Tool journal failure is not fatal to the stream: the gate
// latches closed and the batch later resolves to error results.
func (e *Engine) journalToolCallStart(ctx context.Context, st *streamingState, ev provider.StreamEvent) {
	if ev.ToolCall == nil {
		return
	}
	if st.batch == nil {
		proof, err := e.batches.BeginBatch(ctx, st.stepID, st.model)
		if err != nil {
			e.disableToolJournalForStream(ctx, st, err)
			return
		}
		st.batch = &streamBatch{proof: proof}
	}
	st.batch.seq++
	batchID := st.batch.proof.BatchID()
	if err := e.batches.RecordCallStart(ctx, batchID, st.batch.seq, ev.ToolCall.ID, ev.ToolCall.Name); err != nil {
		e.disableToolJournalForStream(ctx, st, err)
		return
	}
	if err := e.batches.UpdateAssistantText(ctx, batchID, st.msg.Content()); err != nil {
		e.disableToolJournalForStream(ctx, st, err)
	}
}

// disableToolJournalForStream latches the gate closed after a tool journal
// fault and drops the suspect batch rows. Streaming itself continues; the
// calls will resolve to error results at batch time.
func (e *Engine) disableToolJournalForStream(ctx context.Context, st *streamingState, err error) {
	e.log.Warn("tool journal write failed during stream", "err", err)
	if e.gate.Disable("tool journal write failed") {
		e.notify("Tool journal failed; tool execution disabled for safety")
	}
	if st.batch != nil {
		if derr := e.batches.DiscardBatch(ctx, st.batch.proof.BatchID()); derr != nil {
			e.log.Warn("discard batch after journal fault", "err", derr)
		}
		st.batch = nil
	}
}

// finishStreaming completes a stream that ended cleanly. With tool calls
// the turn hands off to the tool loop and the step stays sealed in the
// journal until the batch commits. Without them the turn is pushed with
// the step id first and the journal entry pruned only afterwards; until
// that prune the unsealed step can still be recovered.
func (e *Engine) finishStreaming(ctx context.Context, st *streamingState) {
	m := st.msg
	m.flushPending()
	e.responseID = m.ResponseID()

	if m.HasToolCalls() {
		e.enterToolLoop(ctx, st)
		return
	}

	amsg, err := m.IntoMessage()
	if err != nil {
		amsg, _ = turn.AssistantMessage(st.model, turn.BadgeEmptyResponse)
	}
	rows := append(m.ThinkingMessages(), amsg)

	e.transitionTo(idleState{})
	if !e.pushTurnRows(ctx, rows, st.stepID) {
		e.streams.ReleaseSession()
		e.notify("Failed to save response; it will be recovered on next start")
		e.finishTurn()
		return
	}
	e.finalizeStreamCommit(ctx, st.stepID)
	e.finishTurn()
}

// finishStreamingError completes a stream that ended with a provider
// error. A partial response is kept under a badge; with nothing salvaged
// the whole turn rolls back so the user can simply retry.
func (e *Engine) finishStreamingError(ctx context.Context, st *streamingState, errMsg string) {
	m := st.msg
	m.flushPending()
	st.cancel()

	if st.batch != nil {
		if err := e.batches.DiscardBatch(ctx, st.batch.proof.BatchID()); err != nil {
			e.log.Warn("discard batch after stream error", "err", err)
		}
		st.batch = nil
	}

	partial := sanitize.Text(m.Content())
	if partial == "" {
		if err := e.streams.DiscardStep(ctx, st.stepID); err != nil {
			e.log.Warn("discard step after stream error", "step", st.stepID, "err", err)
		}
		e.rollbackUserMessage(ctx, st.userRowID)
		e.transitionTo(idleState{})
		e.notify("Stream error: " + errMsg)
		e.finishTurn()
		return
	}

	amsg, _ := turn.AssistantMessage(st.model, badgedContent(turn.BadgeStreamError, partial))
	rows := append(m.ThinkingMessages(), amsg)

	e.transitionTo(idleState{})
	if e.pushTurnRows(ctx, rows, st.stepID) {
		e.finalizeStreamCommit(ctx, st.stepID)
	} else {
		e.streams.ReleaseSession()
		e.notify("Failed to save response; it will be recovered on next start")
	}
	e.notify("Stream error: " + errMsg)
	e.finishTurn()
}

// abortStreamingJournal handles a stream journal write failure mid-stream.
// The journal can no longer be trusted to replay this turn, so the step is
// dropped and whatever text arrived goes straight to history under the
// aborted badge.
func (e *Engine) abortStreamingJournal(ctx context.Context, st *streamingState, cause error) {
	e.log.Error("stream journal write failed", "step", st.stepID, "err", cause)
	st.cancel()
	m := st.msg
	m.flushPending()

	if st.batch != nil {
		if err := e.batches.DiscardBatch(ctx, st.batch.proof.BatchID()); err != nil {
			e.log.Warn("discard batch after journal failure", "err", err)
		}
		st.batch = nil
	}
	if err := e.streams.DiscardStep(ctx, st.stepID); err != nil {
		e.log.Warn("discard step after journal failure", "step", st.stepID, "err", err)
	}

	partial := sanitize.Text(m.Content())
	amsg, _ := turn.AssistantMessage(st.model, badgedContent(turn.BadgeAbortedJournal, partial))

	e.transitionTo(idleState{})
	e.pushTurnRows(ctx, []turn.Message{amsg}, st.stepID)
	e.notify("Streaming aborted: journal write failed")
	e.finishTurn()
}

// cancelStreaming aborts the stream on user request, keeping any partial
// text as the turn's result.
func (e *Engine) cancelStreaming(ctx context.Context, st *streamingState) {
	st.cancel()
	m := st.msg
	m.flushPending()

	if st.batch != nil {
		if err := e.batches.DiscardBatch(ctx, st.batch.proof.BatchID()); err != nil {
			e.log.Warn("discard batch after cancel", "err", err)
		}
		st.batch = nil
	}

	partial := sanitize.Text(m.Content())
	if partial == "" {
		if err := e.streams.DiscardStep(ctx, st.stepID); err != nil {
			e.log.Warn("discard step after cancel", "step", st.stepID, "err", err)
		}
		e.rollbackUserMessage(ctx, st.userRowID)
		e.transitionTo(idleState{})
		e.notify("Cancelled")
		e.finishTurn()
		return
	}

	amsg, _ := turn.AssistantMessage(st.model, partial)
	rows := append(m.ThinkingMessages(), amsg)

	e.transitionTo(idleState{})
	if e.pushTurnRows(ctx, rows, st.stepID) {
		e.finalizeStreamCommit(ctx, st.stepID)
	} else {
		e.streams.ReleaseSession()
		e.notify("Failed to save response; it will be recovered on next start")
	}
	e.notify("Cancelled")
	e.finishTurn()
}

// pushTurnRows persists the turn's rows, anchoring the step id on the
// first one when there is a step to anchor. Reports whether every row was
// saved.
func (e *Engine) pushTurnRows(ctx context.Context, rows []turn.Message, stepID turn.StepID) bool {
	for i, row := range rows {
		var err error
		if i == 0 && stepID.Valid() {
			_, err = e.history.PushMessageWithStepID(ctx, row, stepID)
		} else {
			_, err = e.history.PushMessage(ctx, row)
		}
		if err != nil {
			e.log.Error("history push failed", "step", stepID, "err", err)
			return false
		}
	}
	return true
}

// finalizeStreamCommit prunes the step now that history holds the turn.
// Failure is transient: the prune is queued for idle-time retry and never
// blocks the session.
func (e *Engine) finalizeStreamCommit(ctx context.Context, stepID turn.StepID) {
	if err := e.streams.CommitAndPruneStep(ctx, stepID); err != nil {
		e.log.Warn("stream journal prune failed; queued for retry", "step", stepID, "err", err)
		e.cleanup.pendingStreamStep = stepID
	}
}

func (e *Engine) rollbackUserMessage(ctx context.Context, rowID int64) {
	if rowID <= 0 {
		return
	}
	if _, _, err := e.history.PopIfLast(ctx, rowID); err != nil {
		e.log.Warn("rollback user message", "row", rowID, "err", err)
	}
}
