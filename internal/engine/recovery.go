package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/floegence/agentloop/internal/journal"
	"github.com/floegence/agentloop/internal/sanitize"
	"github.com/floegence/agentloop/internal/tools"
	"github.com/floegence/agentloop/internal/turn"
)

// CheckCrashRecovery resolves uncommitted journal state left by a
// previous process. It runs once before any new turn is admitted.
//
// The two journals fail differently: an unreadable tool journal disables
// the gate and the session carries on without tool execution, while an
// unreadable stream journal blocks everything until an explicit reset.
// Silently proceeding past the latter could duplicate or drop a partial
// response.
func (e *Engine) CheckCrashRecovery(ctx context.Context) error {
	if _, idle := e.state.(idleState); !idle {
		return ErrBusy
	}

	batch, batchErr := e.batches.Recover(ctx)
	if batchErr != nil {
		e.log.Error("tool journal recovery failed", "err", batchErr)
		if e.gate.Disable("tool journal recovery failed") {
			e.notify("Tool journal unreadable; tool execution disabled for safety")
		}
		batch = nil
	}

	stream, streamErr := e.streams.Recover(ctx)
	if streamErr != nil {
		e.log.Error("stream journal recovery failed", "err", streamErr)
		e.transitionTo(&recoveryBlockedState{reason: BlockStreamJournalRecoverFailed})
		e.notify("Stream journal unreadable; run with -reset-journals to recover")
		return nil
	}

	switch {
	case batch != nil:
		return e.recoverToolBatch(ctx, batch, stream)
	case stream != nil:
		return e.recoverStream(ctx, stream)
	default:
		return nil
	}
}

// recoverToolBatch handles an uncommitted batch, with or without a
// matching stream step. The batch is never finished automatically; unless
// it turns out to be already committed, the engine parks in ToolRecovery
// until the user resumes or discards it.
func (e *Engine) recoverToolBatch(ctx context.Context, batch *journal.RecoveredToolBatch, stream *journal.RecoveredStream) error {
	var (
		streamStep  turn.StepID
		streamText  string
		streamModel string
	)
	if stream != nil {
		streamStep = stream.StepID
		streamText = stream.PartialText
		streamModel = stream.ModelName
	}

	// Two journals that disagree about which step the batch belongs to
	// are never reconciled by guessing.
	if batch.StreamStepID.Valid() && streamStep.Valid() && batch.StreamStepID != streamStep {
		e.log.Error("tool batch step does not match recovered stream step",
			"batch", batch.BatchID, "batch_step", batch.StreamStepID, "stream_step", streamStep)
		e.transitionTo(&recoveryBlockedState{
			reason:       BlockToolBatchStepMismatch,
			batchID:      batch.BatchID,
			toolStepID:   batch.StreamStepID,
			streamStepID: streamStep,
		})
		e.notify("Journals disagree about the interrupted turn; run with -reset-journals to recover")
		return nil
	}

	merged := sanitize.Text(mergeAssistantText(streamText, batch.AssistantText))

	model := batch.ModelName
	if model == "" {
		model = streamModel
	}
	if model == "" {
		model = e.model
	}

	stepID := batch.StreamStepID
	if !stepID.Valid() {
		stepID = streamStep
	}

	// A batch no turn owns cannot be placed in history.
	if !stepID.Valid() {
		if err := e.batches.DiscardBatch(ctx, batch.BatchID); err != nil {
			e.log.Warn("discard unowned batch", "batch", batch.BatchID, "err", err)
		}
		e.notify("Recovered tool batch had no owning turn; discarded")
		return nil
	}

	// A batch whose step is already in history was committed by a prior
	// recovery that crashed before pruning. Only the journals need
	// cleaning up.
	seen, err := e.history.HasStepID(ctx, stepID)
	if err != nil {
		return fmt.Errorf("probe history for step %d: %w", stepID, err)
	}
	if seen {
		if err := e.batches.DiscardBatch(ctx, batch.BatchID); err != nil {
			e.log.Warn("discard committed batch", "batch", batch.BatchID, "err", err)
		}
		e.finalizeStreamCommit(ctx, stepID)
		e.notify("Tool batch already committed; cleaned up stale journals")
		return nil
	}

	if len(batch.CorruptedArgs) > 0 {
		e.log.Warn("recovered calls with unparseable journaled arguments",
			"batch", batch.BatchID, "calls", batch.CorruptedArgs)
	}

	e.scanOrphans(ctx, batch)

	e.transitionTo(&toolRecoveryState{
		batch:         batch,
		stepID:        stepID,
		model:         model,
		assistantText: merged,
	})
	e.notify(fmt.Sprintf("Recovered interrupted tool batch with %d call(s). Press R to finalize or D to discard", len(batch.Calls)))
	return nil
}

// recoverStream handles an unsealed stream step with no batch riding on
// it: the partial text goes into history under a badge naming how the
// stream ended, then the step is sealed and pruned.
func (e *Engine) recoverStream(ctx context.Context, stream *journal.RecoveredStream) error {
	seen, err := e.history.HasStepID(ctx, stream.StepID)
	if err != nil {
		return fmt.Errorf("probe history for step %d: %w", stream.StepID, err)
	}
	if seen {
		e.finalizeStreamCommit(ctx, stream.StepID)
		e.notify("Stream already committed; cleaned up stale journal")
		return nil
	}

	badge := turn.BadgeRecoveredIncomplete
	switch stream.Outcome {
	case journal.StreamComplete:
		badge = turn.BadgeRecoveredComplete
	case journal.StreamErrored:
		badge = turn.BadgeRecoveredError
	}

	text := sanitize.Text(stream.PartialText)
	model := stream.ModelName
	if model == "" {
		model = e.model
	}
	msg, err := turn.AssistantMessage(model, badgedContent(badge, text))
	if err != nil {
		return fmt.Errorf("build recovered message: %w", err)
	}

	// Persist before sealing: a sealed step is invisible to the next
	// recovery, so sealing first could lose the turn to a crash in
	// between.
	if _, err := e.history.PushMessageWithStepID(ctx, msg, stream.StepID); err != nil {
		e.notify("Failed to save recovered response; it will be retried on next start")
		return fmt.Errorf("persist recovered stream %d: %w", stream.StepID, err)
	}
	if _, err := e.streams.SealUnsealed(ctx, stream.StepID); err != nil {
		e.log.Warn("seal recovered step", "step", stream.StepID, "err", err)
	}
	e.finalizeStreamCommit(ctx, stream.StepID)
	e.notify(fmt.Sprintf("Recovered %d bytes of partial response", len(text)))
	return nil
}

// mergeAssistantText reconciles the stream journal's partial text with
// the tool journal's assistant text. Containment wins outright; otherwise
// the longest stream-suffix/tool-prefix overlap is joined once; otherwise
// the longer string survives, the stream's on a tie. Best effort, not a
// verified merge.
func mergeAssistantText(streamText, toolText string) string {
	if streamText == "" {
		return toolText
	}
	if toolText == "" {
		return streamText
	}
	if strings.Contains(streamText, toolText) {
		return streamText
	}
	if strings.Contains(toolText, streamText) {
		return toolText
	}
	max := len(streamText)
	if len(toolText) < max {
		max = len(toolText)
	}
	for k := max; k > 0; k-- {
		if streamText[len(streamText)-k:] == toolText[:k] {
			return streamText + toolText[k:]
		}
	}
	if len(toolText) > len(streamText) {
		return toolText
	}
	return streamText
}

// ResolveToolRecovery finishes a parked batch the way the user chose.
// Resume keeps the recovered results and fills the holes with "Tool
// result missing after crash"; Discard replaces every result with "Tool
// results discarded after crash". Both run the normal proof-carrying
// commit so the turn lands in history exactly once.
func (e *Engine) ResolveToolRecovery(ctx context.Context, resume bool) error {
	st, ok := e.state.(*toolRecoveryState)
	if !ok {
		return ErrNoRecoveryPending
	}
	batch := st.batch

	loop := &toolLoopState{
		phase:         phaseProcessing,
		stepID:        st.stepID,
		model:         st.model,
		assistantText: st.assistantText,
		calls:         batch.Calls,
		results:       map[string]tools.Result{},
		needsApproval: map[string]bool{},
		proof:         batch.Proof,
		journaled:     true,
	}

	if resume {
		for _, r := range batch.Results {
			loop.results[r.CallID] = r
		}
		for _, c := range batch.Calls {
			if _, done := loop.results[c.ID]; done {
				continue
			}
			if !e.recordResult(ctx, loop, tools.ErrorResult(c.ID, c.Name, "Tool result missing after crash")) {
				return nil
			}
		}
		e.notify("Recovered tool batch finalized")
	} else {
		for _, c := range batch.Calls {
			if !e.recordResult(ctx, loop, tools.ErrorResult(c.ID, c.Name, "Tool results discarded after crash")) {
				return nil
			}
		}
		e.notify("Recovered tool batch discarded")
	}
	e.commitToolBatch(ctx, loop, continueFinish)
	return nil
}
