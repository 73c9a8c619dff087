package engine

import "fmt"

// Edge names one legal operation state transition. RecoveryBlocked and
// ToolRecovery are reached only through the recovery coordinator and have
// no edge; the funnel logs those moves without a legality check.
type Edge int

const (
	EdgeStartStreaming Edge = iota + 1
	EdgeStartDistillation
	EdgeEnterToolLoopAwaitingApproval
	EdgeEnterToolLoopExecuting
	EdgeResolvePlanApproval
	EdgeFinishToolBatch
	// EdgeFinishTurn is the same-state Idle bookkeeping edge emitted when
	// a turn fully completes. It never appears in the pair table.
	EdgeFinishTurn
)

func (e Edge) String() string {
	switch e {
	case EdgeStartStreaming:
		return "start_streaming"
	case EdgeStartDistillation:
		return "start_distillation"
	case EdgeEnterToolLoopAwaitingApproval:
		return "enter_tool_loop_awaiting_approval"
	case EdgeEnterToolLoopExecuting:
		return "enter_tool_loop_executing"
	case EdgeResolvePlanApproval:
		return "resolve_plan_approval"
	case EdgeFinishToolBatch:
		return "finish_tool_batch"
	case EdgeFinishTurn:
		return "finish_turn"
	}
	return "unknown"
}

// edgeForPair maps a (from, to) pair to its named edge. Pairs outside the
// table (recovery entries, distillation completion) transition silently.
func edgeForPair(from, to StateKind) (Edge, bool) {
	switch {
	case from == StateIdle && to == StateStreaming:
		return EdgeStartStreaming, true
	case from == StateIdle && to == StateDistilling:
		return EdgeStartDistillation, true
	case from == StateStreaming && to == StatePlanApproval:
		return EdgeEnterToolLoopAwaitingApproval, true
	case from == StateStreaming && to == StateToolLoop:
		return EdgeEnterToolLoopExecuting, true
	case from == StatePlanApproval && to == StateToolLoop:
		return EdgeResolvePlanApproval, true
	case (from == StateToolLoop || from == StatePlanApproval || from == StateIdle) && to == StateIdle:
		return EdgeFinishToolBatch, true
	}
	return 0, false
}

// legalEdge is the legality table. EnterToolLoopAwaitingApproval may land
// in either PlanApproval or ToolLoop: a batch that needs confirmation but
// carries no plan call stays a tool-loop phase rather than a state.
func legalEdge(from StateKind, edge Edge, to StateKind) bool {
	switch edge {
	case EdgeStartStreaming:
		return from == StateIdle && to == StateStreaming
	case EdgeStartDistillation:
		return from == StateIdle && to == StateDistilling
	case EdgeEnterToolLoopAwaitingApproval:
		return from == StateStreaming && (to == StatePlanApproval || to == StateToolLoop)
	case EdgeEnterToolLoopExecuting:
		return from == StateStreaming && to == StateToolLoop
	case EdgeResolvePlanApproval:
		return from == StatePlanApproval && to == StateToolLoop
	case EdgeFinishToolBatch:
		return (from == StateToolLoop || from == StatePlanApproval || from == StateIdle) && to == StateIdle
	case EdgeFinishTurn:
		return from == StateIdle && to == StateIdle
	}
	return false
}

// TransitionReceipt records one named transition as it passed the funnel.
type TransitionReceipt struct {
	from StateKind
	edge Edge
	to   StateKind
}

func (r TransitionReceipt) From() StateKind { return r.from }
func (r TransitionReceipt) Edge() Edge      { return r.edge }
func (r TransitionReceipt) To() StateKind   { return r.to }

// transitionTo is the single funnel every state write goes through. It
// looks up the named edge for the pair, checks it against the legality
// table, logs, and installs the next state. Illegal transitions log at
// Error and panic only under StrictTransitions; release builds keep
// running and rely on the exhaustive table tests instead.
func (e *Engine) transitionTo(next operationState) *TransitionReceipt {
	from := e.state.kind()
	to := next.kind()

	var receipt *TransitionReceipt
	if edge, ok := edgeForPair(from, to); ok {
		receipt = &TransitionReceipt{from: from, edge: edge, to: to}
		if !legalEdge(from, edge, to) {
			e.log.Error("illegal operation state transition",
				"from", from.String(), "edge", edge.String(), "to", to.String())
			if e.strict {
				panic(fmt.Sprintf("illegal operation state transition %s -[%s]-> %s", from, edge, to))
			}
		}
	}
	if from != to {
		e.log.Debug("operation state transition", "from", from.String(), "to", to.String())
	}
	e.state = next
	return receipt
}

// emitEdge records a same-state edge without replacing the state value.
func (e *Engine) emitEdge(edge Edge) {
	k := e.state.kind()
	if !legalEdge(k, edge, k) {
		e.log.Error("illegal operation state edge",
			"edge", edge.String(), "state", k.String())
		if e.strict {
			panic(fmt.Sprintf("illegal operation state edge %s in %s", edge, k))
		}
	}
	e.log.Debug("operation state edge", "edge", edge.String(), "state", k.String())
}
