package engine

import (
	"github.com/floegence/agentloop/internal/journal"
	"github.com/floegence/agentloop/internal/provider"
	"github.com/floegence/agentloop/internal/tools"
	"github.com/floegence/agentloop/internal/turn"
)

// StateKind identifies one operation state. The engine holds exactly one
// live operationState value at a time; the payload is the state, there are
// no parallel boolean flags to drift out of sync with it.
type StateKind int

const (
	StateIdle StateKind = iota
	StateStreaming
	StateToolLoop
	StatePlanApproval
	StateToolRecovery
	StateRecoveryBlocked
	StateDistilling
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateToolLoop:
		return "tool_loop"
	case StatePlanApproval:
		return "plan_approval"
	case StateToolRecovery:
		return "tool_recovery"
	case StateRecoveryBlocked:
		return "recovery_blocked"
	case StateDistilling:
		return "distilling"
	}
	return "unknown"
}

// operationState is the closed sum of engine states. All implementations
// live in this package; the unexported method keeps the set closed.
type operationState interface {
	kind() StateKind
}

type idleState struct{}

func (idleState) kind() StateKind { return StateIdle }

// streamingState owns a live provider stream. The step id is the one
// currently owned by the stream journal; userRowID is the history row of
// the user message that started the turn, zero for follow-up streams.
type streamingState struct {
	stepID    turn.StepID
	model     string
	msg       *StreamingMessage
	events    <-chan provider.StreamEvent
	cancel    provider.CancelFunc
	userRowID int64

	// batch is non-nil once the first tool-call event opened a journal
	// batch for this stream.
	batch *streamBatch
}

func (*streamingState) kind() StateKind { return StateStreaming }

// streamBatch is the tool-journal side of an in-flight stream that has
// started producing tool calls.
type streamBatch struct {
	proof journal.CommitProof
	seq   int
}

type toolLoopPhase int

const (
	phaseProcessing toolLoopPhase = iota
	phaseAwaitingApproval
	phaseExecuting
)

func (p toolLoopPhase) String() string {
	switch p {
	case phaseProcessing:
		return "processing"
	case phaseAwaitingApproval:
		return "awaiting_approval"
	case phaseExecuting:
		return "executing"
	}
	return "unknown"
}

// ApprovalRequest is one call awaiting user confirmation.
type ApprovalRequest struct {
	CallID   string
	ToolName string
	Summary  string
}

// toolLoopState owns one tool batch from planning through commit.
// calls preserves the original submission order; results are keyed by
// call id and re-ordered against calls at commit time.
type toolLoopState struct {
	phase toolLoopPhase

	stepID        turn.StepID
	model         string
	assistantText string
	thinking      []turn.Message

	calls    []tools.Call
	results  map[string]tools.Result
	requests []ApprovalRequest
	// needsApproval marks call ids held for confirmation; the rest of
	// the unresolved calls execute without one.
	needsApproval map[string]bool

	execQueue []tools.Call
	execIdx   int
	active    *activeExec

	proof journal.CommitProof
	// journaled is false when the batch runs without journal cover
	// (gate disabled, or the journal failed mid-loop).
	journaled bool
}

func (*toolLoopState) kind() StateKind { return StateToolLoop }

// unresolved returns the calls that have no result yet, in original order.
func (st *toolLoopState) unresolved() []tools.Call {
	var out []tools.Call
	for _, c := range st.calls {
		if _, ok := st.results[c.ID]; !ok {
			out = append(out, c)
		}
	}
	return out
}

// planApprovalState parks a whole batch whose plan call awaits an explicit
// approve or reject. The embedded loop is fully planned and re-enters the
// tool loop on resolution.
type planApprovalState struct {
	loop        *toolLoopState
	planCallID  string
	planSummary string
}

func (*planApprovalState) kind() StateKind { return StatePlanApproval }

// toolRecoveryState holds a crash-recovered batch until the user resumes
// or discards it.
type toolRecoveryState struct {
	batch         *journal.RecoveredToolBatch
	stepID        turn.StepID
	model         string
	assistantText string
}

func (*toolRecoveryState) kind() StateKind { return StateToolRecovery }

// BlockReason says why recovery refused to proceed.
type BlockReason int

const (
	// BlockStreamJournalRecoverFailed: the stream journal could not be
	// read. Proceeding could drop or duplicate a partial response.
	BlockStreamJournalRecoverFailed BlockReason = iota + 1
	// BlockToolBatchStepMismatch: the two journals name different
	// stream steps. Disagreement is never guessed at.
	BlockToolBatchStepMismatch
)

func (r BlockReason) String() string {
	switch r {
	case BlockStreamJournalRecoverFailed:
		return "stream journal recovery failed"
	case BlockToolBatchStepMismatch:
		return "tool batch does not match stream step"
	}
	return "unknown"
}

// recoveryBlockedState is terminal until an explicit journal reset.
type recoveryBlockedState struct {
	reason BlockReason

	// Populated for BlockToolBatchStepMismatch.
	batchID      turn.BatchID
	toolStepID   turn.StepID
	streamStepID turn.StepID
}

func (*recoveryBlockedState) kind() StateKind { return StateRecoveryBlocked }

type distillOutcome struct {
	summary string
	err     error
}

type distillingState struct {
	cancel func()
	done   <-chan distillOutcome
}

func (*distillingState) kind() StateKind { return StateDistilling }
