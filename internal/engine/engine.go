// Package engine drives one conversation turn at a time through streaming,
// tool approval and execution, and recovery, while journaling enough state
// that a crash at any point is deterministically repaired on next start.
//
// All engine state is mutated from one driver goroutine via the Poll and
// command methods. Provider streams and tool executors run on their own
// goroutines and communicate over bounded channels only; the driver drains
// them without blocking.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/floegence/agentloop/internal/history"
	"github.com/floegence/agentloop/internal/journal"
	"github.com/floegence/agentloop/internal/provider"
	"github.com/floegence/agentloop/internal/tools"
	"github.com/floegence/agentloop/internal/turn"
)

const (
	// MaxToolCallsPerBatch caps how many calls one stream may request.
	MaxToolCallsPerBatch = 8
	// MaxToolIterationsPerTurn caps tool batches per user turn.
	MaxToolIterationsPerTurn = 4
	// MaxToolArgsBytes caps accumulated argument bytes per call.
	MaxToolArgsBytes = 256 << 10
	// MaxToolOutputBytes caps a single tool result.
	MaxToolOutputBytes = 100 << 10
	// StreamBudgetBytesPerPoll bounds text applied per processing pass.
	StreamBudgetBytesPerPoll = 16 << 10
	// ToolEventChannelCapacity bounds the per-executor event channel.
	ToolEventChannelCapacity = 64

	defaultToolTimeout = 30 * time.Second

	cleanupRetryInterval        = time.Second
	cleanupFailureWarnThreshold = 3

	// orphanStartTimeToleranceMS bounds how far a live process's start
	// time may drift from the journaled one and still be treated as the
	// same process.
	orphanStartTimeToleranceMS = 5000

	approvalSummaryMaxRunes = 200
	maxBufferedNotices      = 64
)

var (
	// ErrBusy: an operation is already in flight; the engine accepts one
	// at a time.
	ErrBusy = errors.New("an operation is already in progress")
	// ErrBlocked: recovery refused to proceed; only an explicit journal
	// reset clears it.
	ErrBlocked = errors.New("recovery blocked; run with -reset-journals to reset")
	// ErrNoApprovalPending: an approval command arrived with nothing
	// waiting for one.
	ErrNoApprovalPending = errors.New("no tool approval pending")
	// ErrNoRecoveryPending: a recovery decision arrived with no
	// recovered batch waiting.
	ErrNoRecoveryPending = errors.New("no tool recovery pending")
)

// Limits are the engine's tunable caps. Zero fields take the defaults
// above.
type Limits struct {
	MaxToolCallsPerBatch     int
	MaxToolIterationsPerTurn int
	MaxToolArgsBytes         int
	MaxToolOutputBytes       int
	StreamBudgetBytesPerPoll int
	ToolTimeout              time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxToolCallsPerBatch <= 0 {
		l.MaxToolCallsPerBatch = MaxToolCallsPerBatch
	}
	if l.MaxToolIterationsPerTurn <= 0 {
		l.MaxToolIterationsPerTurn = MaxToolIterationsPerTurn
	}
	if l.MaxToolArgsBytes <= 0 {
		l.MaxToolArgsBytes = MaxToolArgsBytes
	}
	if l.MaxToolOutputBytes <= 0 {
		l.MaxToolOutputBytes = MaxToolOutputBytes
	}
	if l.StreamBudgetBytesPerPoll <= 0 {
		l.StreamBudgetBytesPerPoll = StreamBudgetBytesPerPoll
	}
	if l.ToolTimeout <= 0 {
		l.ToolTimeout = defaultToolTimeout
	}
	return l
}

// DistillationRunner produces a conversation summary. The engine owns the
// task lifecycle and state transitions; the summarization itself is
// injected.
type DistillationRunner interface {
	Distill(ctx context.Context, messages []turn.Message) (string, error)
}

type Options struct {
	Logger *slog.Logger

	Streamer      provider.Streamer
	Registry      *tools.Registry
	Policy        tools.Policy
	History       *history.Store
	StreamJournal *journal.StreamJournal
	ToolJournal   *journal.ToolJournal

	Model string
	// MaxOutputTokens and ThinkingBudgetTokens are passed through to the
	// provider. Zero keeps the provider defaults.
	MaxOutputTokens      int
	ThinkingBudgetTokens int

	// WorkingDir is handed to tool executors. Defaults to the process
	// working directory.
	WorkingDir string

	Limits Limits

	// OnNotice receives each user-visible notification as it is pushed.
	// Notices are also buffered for TakeNotices regardless.
	OnNotice func(string)
	// OnTurnFinished fires each time a turn fully completes and the
	// engine returns to Idle.
	OnTurnFinished func()

	Distiller DistillationRunner
	// OnDistilled receives the summary of a completed distillation.
	OnDistilled func(summary string)

	// StrictTransitions panics on an illegal state transition instead of
	// only logging it. Tests set it; production leaves it off.
	StrictTransitions bool
}

// Engine is the single-operation execution core. Not safe for concurrent
// use: all methods must be called from the driver goroutine.
type Engine struct {
	log *slog.Logger

	state operationState
	gate  ToolGate

	streamer provider.Streamer
	registry *tools.Registry
	policy   tools.Policy
	history  *history.Store
	streams  *journal.StreamJournal
	batches  *journal.ToolJournal

	model           string
	maxOutputTokens int
	thinkingBudget  int
	workingDir      string
	limits          Limits
	strict          bool

	// iterations counts tool batches admitted this user turn.
	iterations int
	// responseID chains follow-up requests to the provider's last
	// completed response.
	responseID string

	notices        []string
	onNotice       func(string)
	onTurnFinished func()

	distiller   DistillationRunner
	onDistilled func(string)

	cleanup cleanupState
}

func New(opts Options) (*Engine, error) {
	if opts.Streamer == nil {
		return nil, errors.New("missing Streamer")
	}
	if opts.Registry == nil {
		return nil, errors.New("missing Registry")
	}
	if opts.History == nil {
		return nil, errors.New("missing History")
	}
	if opts.StreamJournal == nil {
		return nil, errors.New("missing StreamJournal")
	}
	if opts.ToolJournal == nil {
		return nil, errors.New("missing ToolJournal")
	}
	if opts.Model == "" {
		return nil, errors.New("missing Model")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	workingDir := opts.WorkingDir
	if workingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			workingDir = wd
		}
	}

	return &Engine{
		log:             logger,
		state:           idleState{},
		streamer:        opts.Streamer,
		registry:        opts.Registry,
		policy:          opts.Policy,
		history:         opts.History,
		streams:         opts.StreamJournal,
		batches:         opts.ToolJournal,
		model:           opts.Model,
		maxOutputTokens: opts.MaxOutputTokens,
		thinkingBudget:  opts.ThinkingBudgetTokens,
		workingDir:      workingDir,
		limits:          opts.Limits.withDefaults(),
		strict:          opts.StrictTransitions,
		onNotice:        opts.OnNotice,
		onTurnFinished:  opts.OnTurnFinished,
		distiller:       opts.Distiller,
		onDistilled:     opts.OnDistilled,
	}, nil
}

// State reports the current operation state kind.
func (e *Engine) State() StateKind { return e.state.kind() }

// Gate exposes the tool gate for status display.
func (e *Engine) Gate() *ToolGate { return &e.gate }

// Model returns the active model name.
func (e *Engine) Model() string { return e.model }

// PendingApprovals returns the calls waiting for confirmation, nil unless
// a tool loop is in its approval phase.
func (e *Engine) PendingApprovals() []ApprovalRequest {
	if st, ok := e.state.(*toolLoopState); ok && st.phase == phaseAwaitingApproval {
		return st.requests
	}
	return nil
}

// PendingPlan returns the parked plan text, false unless a plan approval
// is waiting.
func (e *Engine) PendingPlan() (string, bool) {
	if st, ok := e.state.(*planApprovalState); ok {
		return st.planSummary, true
	}
	return "", false
}

// RecoverySummary describes the recovered batch waiting for a decision,
// false when none is.
func (e *Engine) RecoverySummary() (string, bool) {
	st, ok := e.state.(*toolRecoveryState)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%d tool call(s), %d result(s) recovered from batch %d",
		len(st.batch.Calls), len(st.batch.Results), st.batch.BatchID), true
}

// BlockedReason reports why the engine refuses to run, false when it is
// not blocked.
func (e *Engine) BlockedReason() (BlockReason, bool) {
	if st, ok := e.state.(*recoveryBlockedState); ok {
		return st.reason, true
	}
	return 0, false
}

// notify pushes one user-visible notification. Each notice reaches the
// sink immediately and stays buffered until TakeNotices drains it.
func (e *Engine) notify(msg string) {
	e.log.Info("notice", "msg", msg)
	e.notices = append(e.notices, msg)
	if len(e.notices) > maxBufferedNotices {
		e.notices = e.notices[len(e.notices)-maxBufferedNotices:]
	}
	if e.onNotice != nil {
		e.onNotice(msg)
	}
}

// TakeNotices returns buffered notifications and clears the buffer.
func (e *Engine) TakeNotices() []string {
	if len(e.notices) == 0 {
		return nil
	}
	out := e.notices
	e.notices = nil
	return out
}

// TakeNewText returns streamed assistant text the renderer has not seen
// yet. Empty outside a streaming turn.
func (e *Engine) TakeNewText() string {
	if st, ok := e.state.(*streamingState); ok {
		return st.msg.TakeNewText()
	}
	return ""
}

// TakeNewThinking returns streamed thinking text the renderer has not
// seen yet. Empty outside a streaming turn.
func (e *Engine) TakeNewThinking() string {
	if st, ok := e.state.(*streamingState); ok {
		return st.msg.TakeNewThinking()
	}
	return ""
}

// finishTurn closes out a completed turn. Callers transition to Idle
// first; the edge here is bookkeeping, not a state change.
func (e *Engine) finishTurn() {
	e.emitEdge(EdgeFinishTurn)
	e.iterations = 0
	if e.onTurnFinished != nil {
		e.onTurnFinished()
	}
}

// Cancel aborts whatever is in flight. A streaming turn keeps its partial
// text; unresolved tool calls resolve to "Cancelled by user" and the batch
// commits with whatever results exist. Idle and blocked states are no-ops.
func (e *Engine) Cancel(ctx context.Context) {
	switch st := e.state.(type) {
	case *streamingState:
		e.cancelStreaming(ctx, st)
	case *toolLoopState:
		e.cancelToolLoop(ctx, st)
	case *planApprovalState:
		e.resolveUnrunAndCommit(ctx, st.loop, "Cancelled by user", continueFinish)
	case *distillingState:
		st.cancel()
		e.transitionTo(idleState{})
		e.notify("Distillation cancelled")
	}
}

// ResetJournals is the explicit out-of-band escape hatch: both journals
// are cleared, the gate re-opens, pending cleanup is dropped, and a
// blocked engine returns to Idle.
func (e *Engine) ResetJournals(ctx context.Context) error {
	if err := e.streams.Reset(ctx); err != nil {
		return fmt.Errorf("reset stream journal: %w", err)
	}
	if err := e.batches.Reset(ctx); err != nil {
		return fmt.Errorf("reset tool journal: %w", err)
	}
	e.gate.Clear()
	e.cleanup = cleanupState{}
	e.transitionTo(idleState{})
	e.notify("Journals reset")
	return nil
}

// badgedContent prefixes salvaged text with its badge. The badge stands
// alone when there is no text.
func badgedContent(badge, text string) string {
	if text == "" {
		return badge
	}
	return badge + "\n" + text
}
