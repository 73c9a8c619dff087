package engine

import (
	"context"
	"time"

	"github.com/floegence/agentloop/internal/journal"
	"github.com/floegence/agentloop/internal/turn"
)

// cleanupState tracks journal entries whose prune failed at commit time.
// The turn's messages are already in history by then, so the entries are
// redundant; retries run only from Idle and never contend with an active
// stream or batch for the same rows.
type cleanupState struct {
	pendingStreamStep turn.StepID
	pendingToolProof  journal.CommitProof
	nextAttempt       time.Time
	streamFails       int
	toolFails         int
}

func (c *cleanupState) pending() bool {
	return c.pendingStreamStep.Valid() || c.pendingToolProof.Valid()
}

// PollJournalCleanup retries deferred journal prunes, at most one attempt
// per cleanupRetryInterval and only while Idle. Each journal keeps its own
// consecutive failure count; reaching cleanupFailureWarnThreshold raises
// the warning exactly once, and a success resets the count.
func (e *Engine) PollJournalCleanup(ctx context.Context) {
	if _, idle := e.state.(idleState); !idle {
		return
	}
	if !e.cleanup.pending() {
		return
	}
	now := time.Now()
	if now.Before(e.cleanup.nextAttempt) {
		return
	}
	e.cleanup.nextAttempt = now.Add(cleanupRetryInterval)

	if step := e.cleanup.pendingStreamStep; step.Valid() {
		if err := e.streams.CommitAndPruneStep(ctx, step); err != nil {
			e.log.Warn("stream journal cleanup failed", "step", step, "err", err)
			e.bumpCleanupFailure(&e.cleanup.streamFails)
		} else {
			e.log.Debug("stream journal cleanup succeeded", "step", step)
			e.cleanup.pendingStreamStep = 0
			e.cleanup.streamFails = 0
		}
	}
	if proof := e.cleanup.pendingToolProof; proof.Valid() {
		if err := e.batches.CommitBatch(ctx, proof); err != nil {
			e.log.Warn("tool journal cleanup failed", "batch", proof.BatchID(), "err", err)
			e.bumpCleanupFailure(&e.cleanup.toolFails)
		} else {
			e.log.Debug("tool journal cleanup succeeded", "batch", proof.BatchID())
			e.cleanup.pendingToolProof = journal.CommitProof{}
			e.cleanup.toolFails = 0
		}
	}
}

// bumpCleanupFailure advances a saturating failure counter and notifies
// when it first reaches the threshold.
func (e *Engine) bumpCleanupFailure(count *int) {
	if *count >= cleanupFailureWarnThreshold {
		return
	}
	*count++
	if *count == cleanupFailureWarnThreshold {
		e.notify("Journal cleanup failing repeatedly; run with -reset-journals if this persists.")
	}
}
