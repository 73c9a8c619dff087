package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/floegence/agentloop/internal/history"
	"github.com/floegence/agentloop/internal/journal"
	"github.com/floegence/agentloop/internal/provider"
	"github.com/floegence/agentloop/internal/tools"
	"github.com/floegence/agentloop/internal/turn"
)

func TestMergeAssistantText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		stream string
		tool   string
		want   string
	}{
		{"stream empty", "", "tool text", "tool text"},
		{"tool empty", "stream text", "", "stream text"},
		{"stream contains tool", "abcdef", "cde", "abcdef"},
		{"tool contains stream", "abc", "abcdef", "abcdef"},
		{"suffix prefix overlap", "He said hel", "hello world", "He said hello world"},
		{"no overlap longer wins", "abc", "defghi", "defghi"},
		{"no overlap tie keeps stream", "abc", "xyz", "abc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mergeAssistantText(tc.stream, tc.tool); got != tc.want {
				t.Fatalf("mergeAssistantText(%q, %q)=%q, want %q", tc.stream, tc.tool, got, tc.want)
			}
		})
	}
}

func TestOrphanStartTimeMatches(t *testing.T) {
	t.Parallel()

	cases := []struct {
		recorded, actual int64
		want             bool
	}{
		{1000, 1000, true},
		{1000, 6000, true},
		{1000, 6001, false},
		{6001, 1000, false},
		{0, 0, true},
	}
	for _, tc := range cases {
		if got := orphanStartTimeMatches(tc.recorded, tc.actual); got != tc.want {
			t.Fatalf("orphanStartTimeMatches(%d, %d)=%v, want %v", tc.recorded, tc.actual, got, tc.want)
		}
	}
}

// prepareCrashedBatch writes journal files shaped like a process that died
// mid-batch: a sealed stream step and an uncommitted batch with two calls,
// the first optionally already resolved.
func prepareCrashedBatch(t *testing.T, dir string, withResult bool) turn.StepID {
	t.Helper()
	ctx := context.Background()

	streams, err := journal.OpenStream(filepath.Join(dir, "stream_journal.db"))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	stepID, err := streams.BeginSession(ctx, testModel)
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := streams.AppendTextDelta(ctx, stepID, "Let me look."); err != nil {
		t.Fatalf("AppendTextDelta: %v", err)
	}
	if _, err := streams.SealUnsealed(ctx, stepID); err != nil {
		t.Fatalf("SealUnsealed: %v", err)
	}
	if err := streams.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	batches, err := journal.OpenTool(filepath.Join(dir, "tool_journal.db"))
	if err != nil {
		t.Fatalf("OpenTool: %v", err)
	}
	proof, err := batches.BeginBatch(ctx, stepID, testModel)
	if err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}
	b := proof.BatchID()
	if err := batches.UpdateAssistantText(ctx, b, "Let me look."); err != nil {
		t.Fatalf("UpdateAssistantText: %v", err)
	}
	if err := batches.RecordCallStart(ctx, b, 1, "c1", "echo_tool"); err != nil {
		t.Fatalf("RecordCallStart: %v", err)
	}
	if err := batches.AppendCallArgs(ctx, b, "c1", `{"n":1}`); err != nil {
		t.Fatalf("AppendCallArgs: %v", err)
	}
	if withResult {
		if err := batches.RecordResult(ctx, b, tools.SuccessResult("c1", "echo_tool", "first result")); err != nil {
			t.Fatalf("RecordResult: %v", err)
		}
	}
	if err := batches.RecordCallStart(ctx, b, 2, "c2", "echo_tool"); err != nil {
		t.Fatalf("RecordCallStart: %v", err)
	}
	if err := batches.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return stepID
}

// prepareUnsealedStream writes a stream journal holding one unsealed step,
// as a crash mid-stream leaves it. end selects the final journaled event.
func prepareUnsealedStream(t *testing.T, dir, text, end string) turn.StepID {
	t.Helper()
	ctx := context.Background()

	streams, err := journal.OpenStream(filepath.Join(dir, "stream_journal.db"))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	stepID, err := streams.BeginSession(ctx, testModel)
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := streams.AppendTextDelta(ctx, stepID, text); err != nil {
		t.Fatalf("AppendTextDelta: %v", err)
	}
	switch end {
	case "done":
		if err := streams.AppendDone(ctx, stepID); err != nil {
			t.Fatalf("AppendDone: %v", err)
		}
	case "error":
		if err := streams.AppendError(ctx, stepID, "boom"); err != nil {
			t.Fatalf("AppendError: %v", err)
		}
	}
	if err := streams.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return stepID
}

func TestEngine_CrashRecoveryResumeFillsMissing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	stepID := prepareCrashedBatch(t, dir, true)
	env := newTestEnvAt(t, dir, nil)
	ctx := context.Background()

	if err := env.eng.CheckCrashRecovery(ctx); err != nil {
		t.Fatalf("CheckCrashRecovery: %v", err)
	}
	if env.eng.State() != StateToolRecovery {
		t.Fatalf("State()=%v, want tool recovery", env.eng.State())
	}
	summary, ok := env.eng.RecoverySummary()
	if !ok || !strings.Contains(summary, "2 tool call(s)") {
		t.Fatalf("RecoverySummary=%q, %v", summary, ok)
	}
	if !containsNotice(env.eng.TakeNotices(), "Press R to finalize or D to discard") {
		t.Fatalf("missing recovery prompt notice")
	}

	if err := env.eng.ResolveToolRecovery(ctx, true); err != nil {
		t.Fatalf("ResolveToolRecovery: %v", err)
	}
	if env.eng.State() != StateIdle {
		t.Fatalf("State()=%v after resume, want idle", env.eng.State())
	}

	msgs := env.messages(ctx)
	if len(msgs) != 5 {
		t.Fatalf("history rows=%d, want 5: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != turn.RoleAssistant || msgs[0].Content != "Let me look." || msgs[0].StepID != stepID {
		t.Fatalf("assistant row=%+v", msgs[0])
	}
	if msgs[1].Role != turn.RoleToolUse || msgs[1].ToolCallID != "c1" || msgs[1].Content != `{"n":1}` {
		t.Fatalf("first tool_use row=%+v", msgs[1])
	}
	if msgs[2].Role != turn.RoleToolUse || msgs[2].ToolCallID != "c2" || msgs[2].Content != "{}" {
		t.Fatalf("second tool_use row=%+v", msgs[2])
	}
	if msgs[3].IsError || msgs[3].Content != "first result" {
		t.Fatalf("recovered result row=%+v", msgs[3])
	}
	if !msgs[4].IsError || msgs[4].Content != "Tool result missing after crash" {
		t.Fatalf("filled result row=%+v", msgs[4])
	}
	if !containsNotice(env.eng.TakeNotices(), "Recovered tool batch finalized") {
		t.Fatalf("missing finalize notice")
	}
	if rec, _ := env.streams.Recover(ctx); rec != nil {
		t.Fatalf("stream journal not pruned: %+v", rec)
	}
	if rec, _ := env.batches.Recover(ctx); rec != nil {
		t.Fatalf("tool journal not pruned: %+v", rec)
	}

	// Recovery already ran to completion; a second pass changes nothing.
	if err := env.eng.CheckCrashRecovery(ctx); err != nil {
		t.Fatalf("second CheckCrashRecovery: %v", err)
	}
	if got := env.messages(ctx); len(got) != 5 {
		t.Fatalf("history rows=%d after rerun, want 5", len(got))
	}
}

func TestEngine_CrashRecoveryDiscardReplacesResults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	prepareCrashedBatch(t, dir, true)
	env := newTestEnvAt(t, dir, nil)
	ctx := context.Background()

	if err := env.eng.CheckCrashRecovery(ctx); err != nil {
		t.Fatalf("CheckCrashRecovery: %v", err)
	}
	if err := env.eng.ResolveToolRecovery(ctx, false); err != nil {
		t.Fatalf("ResolveToolRecovery: %v", err)
	}

	// Discard overrides even the result that survived the crash.
	results := toolResults(env.messages(ctx))
	if len(results) != 2 {
		t.Fatalf("result rows=%d, want 2", len(results))
	}
	for i, r := range results {
		if !r.IsError || r.Content != "Tool results discarded after crash" {
			t.Fatalf("result %d=%+v", i, r)
		}
	}
	if !containsNotice(env.eng.TakeNotices(), "Recovered tool batch discarded") {
		t.Fatalf("missing discard notice")
	}
	if rec, _ := env.batches.Recover(ctx); rec != nil {
		t.Fatalf("tool journal not pruned: %+v", rec)
	}
}

func TestEngine_RecoverySkipsCommittedBatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	stepID := prepareCrashedBatch(t, dir, true)
	ctx := context.Background()

	// The previous process committed the batch to history and crashed
	// before pruning the journals.
	hist, err := history.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	if _, err := hist.EnsureSession(ctx, testModel); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	msg, err := turn.AssistantMessage(testModel, "Let me look.")
	if err != nil {
		t.Fatalf("AssistantMessage: %v", err)
	}
	if _, err := hist.PushMessageWithStepID(ctx, msg, stepID); err != nil {
		t.Fatalf("PushMessageWithStepID: %v", err)
	}
	if err := hist.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	env := newTestEnvAt(t, dir, nil)
	if err := env.eng.CheckCrashRecovery(ctx); err != nil {
		t.Fatalf("CheckCrashRecovery: %v", err)
	}
	if env.eng.State() != StateIdle {
		t.Fatalf("State()=%v, want idle", env.eng.State())
	}
	if !containsNotice(env.eng.TakeNotices(), "Tool batch already committed; cleaned up stale journals") {
		t.Fatalf("missing stale journal notice")
	}
	if got := env.messages(ctx); len(got) != 1 {
		t.Fatalf("history rows=%d, want the single committed row", len(got))
	}
	if rec, _ := env.streams.Recover(ctx); rec != nil {
		t.Fatalf("stream journal not cleaned: %+v", rec)
	}
	if rec, _ := env.batches.Recover(ctx); rec != nil {
		t.Fatalf("tool journal not cleaned: %+v", rec)
	}
}

func TestEngine_RecoveryBlocksOnJournalDisagreement(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	streams, err := journal.OpenStream(filepath.Join(dir, "stream_journal.db"))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	stepID, err := streams.BeginSession(ctx, testModel)
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := streams.AppendTextDelta(ctx, stepID, "half a reply"); err != nil {
		t.Fatalf("AppendTextDelta: %v", err)
	}
	if err := streams.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	batches, err := journal.OpenTool(filepath.Join(dir, "tool_journal.db"))
	if err != nil {
		t.Fatalf("OpenTool: %v", err)
	}
	proof, err := batches.BeginBatch(ctx, stepID+1, testModel)
	if err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}
	if err := batches.RecordCallStart(ctx, proof.BatchID(), 1, "c1", "echo_tool"); err != nil {
		t.Fatalf("RecordCallStart: %v", err)
	}
	if err := batches.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	env := newTestEnvAt(t, dir, nil)
	if err := env.eng.CheckCrashRecovery(ctx); err != nil {
		t.Fatalf("CheckCrashRecovery: %v", err)
	}
	if env.eng.State() != StateRecoveryBlocked {
		t.Fatalf("State()=%v, want recovery blocked", env.eng.State())
	}
	reason, blocked := env.eng.BlockedReason()
	if !blocked || reason != BlockToolBatchStepMismatch {
		t.Fatalf("BlockedReason=%v, %v", reason, blocked)
	}
	if !containsNotice(env.eng.TakeNotices(), "Journals disagree about the interrupted turn") {
		t.Fatalf("missing disagreement notice")
	}
	if got := env.messages(ctx); len(got) != 0 {
		t.Fatalf("history rows=%d, want 0; nothing may be guessed into history", len(got))
	}
	if err := env.eng.StartTurn(ctx, "hello"); !errors.Is(err, ErrBlocked) {
		t.Fatalf("StartTurn while blocked=%v, want ErrBlocked", err)
	}
	if err := env.eng.StartDistillation(ctx); !errors.Is(err, ErrBlocked) {
		t.Fatalf("StartDistillation while blocked=%v, want ErrBlocked", err)
	}

	// The explicit reset is the only exit: journals drop, the gate
	// reopens, the engine is usable again.
	env.eng.Gate().Disable("tool journal write failed")
	if err := env.eng.ResetJournals(ctx); err != nil {
		t.Fatalf("ResetJournals: %v", err)
	}
	if env.eng.State() != StateIdle {
		t.Fatalf("State()=%v after reset, want idle", env.eng.State())
	}
	if _, blocked := env.eng.BlockedReason(); blocked {
		t.Fatalf("still blocked after reset")
	}
	if !env.eng.Gate().Enabled() {
		t.Fatalf("gate still closed after reset")
	}
	if !containsNotice(env.eng.TakeNotices(), "Journals reset") {
		t.Fatalf("missing reset notice")
	}
	if rec, _ := env.streams.Recover(ctx); rec != nil {
		t.Fatalf("stream journal survived reset: %+v", rec)
	}
	if rec, _ := env.batches.Recover(ctx); rec != nil {
		t.Fatalf("tool journal survived reset: %+v", rec)
	}
}

func TestEngine_RecoverStreamPersistsPartialWithBadge(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	stepID := prepareUnsealedStream(t, dir, "partial answ", "")
	env := newTestEnvAt(t, dir, nil)
	ctx := context.Background()

	if err := env.eng.CheckCrashRecovery(ctx); err != nil {
		t.Fatalf("CheckCrashRecovery: %v", err)
	}
	if env.eng.State() != StateIdle {
		t.Fatalf("State()=%v, want idle", env.eng.State())
	}

	msgs := env.messages(ctx)
	if len(msgs) != 1 {
		t.Fatalf("history rows=%d, want 1: %+v", len(msgs), msgs)
	}
	want := turn.BadgeRecoveredIncomplete + "\npartial answ"
	if msgs[0].Content != want {
		t.Fatalf("recovered row=%q, want %q", msgs[0].Content, want)
	}
	if msgs[0].StepID != stepID || msgs[0].ModelName != testModel {
		t.Fatalf("recovered row metadata=%+v", msgs[0])
	}
	if !containsNotice(env.eng.TakeNotices(), "Recovered 12 bytes of partial response") {
		t.Fatalf("missing recovery notice")
	}

	if err := env.eng.CheckCrashRecovery(ctx); err != nil {
		t.Fatalf("second CheckCrashRecovery: %v", err)
	}
	if got := env.messages(ctx); len(got) != 1 {
		t.Fatalf("history rows=%d after rerun, want 1", len(got))
	}
}

func TestEngine_RecoverStreamBadgeMatchesOutcome(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		end   string
		badge string
	}{
		{"errored", "error", turn.BadgeRecoveredError},
		{"completed", "done", turn.BadgeRecoveredComplete},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			prepareUnsealedStream(t, dir, "some text", tc.end)
			env := newTestEnvAt(t, dir, nil)
			ctx := context.Background()

			if err := env.eng.CheckCrashRecovery(ctx); err != nil {
				t.Fatalf("CheckCrashRecovery: %v", err)
			}
			msgs := env.messages(ctx)
			if len(msgs) != 1 {
				t.Fatalf("history rows=%d, want 1", len(msgs))
			}
			if !strings.HasPrefix(msgs[0].Content, tc.badge+"\n") {
				t.Fatalf("recovered row=%q, want %q prefix", msgs[0].Content, tc.badge)
			}
		})
	}
}

func TestEngine_StartTurnRecoversUnsealedStep(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	prepareUnsealedStream(t, dir, "old partial", "")
	env := newTestEnvAt(t, dir, nil)
	env.streamer.scripts = [][]provider.StreamEvent{textScript("fresh answer")}
	ctx := context.Background()

	// The leftover step surfaces when the session begins; the new turn
	// is rolled back and recovery runs instead of the stream.
	env.startTurn(ctx, "hello again")
	if env.eng.State() != StateIdle {
		t.Fatalf("State()=%v, want idle", env.eng.State())
	}
	if env.streamer.calls != 0 {
		t.Fatalf("streamer calls=%d, want 0", env.streamer.calls)
	}
	notices := env.eng.TakeNotices()
	if !containsNotice(notices, "Unfinished session found; running crash recovery") {
		t.Fatalf("missing crash recovery notice: %v", notices)
	}
	if !containsNotice(notices, "Recovered 11 bytes of partial response") {
		t.Fatalf("missing recovery notice: %v", notices)
	}
	msgs := env.messages(ctx)
	if len(msgs) != 1 || msgs[0].Role != turn.RoleAssistant {
		t.Fatalf("history rows=%+v, want only the recovered row", msgs)
	}

	// With the journal clean the same turn goes through.
	env.startTurn(ctx, "hello again")
	env.driveIdle(ctx)
	msgs = env.messages(ctx)
	if len(msgs) != 3 || msgs[2].Content != "fresh answer" {
		t.Fatalf("history rows after retry=%+v", msgs)
	}
	if env.streamer.calls != 1 {
		t.Fatalf("streamer calls=%d, want 1", env.streamer.calls)
	}
}

func TestEngine_RecoveryWarnsOnShellCallWithoutProcess(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	streams, err := journal.OpenStream(filepath.Join(dir, "stream_journal.db"))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	stepID, err := streams.BeginSession(ctx, testModel)
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if _, err := streams.SealUnsealed(ctx, stepID); err != nil {
		t.Fatalf("SealUnsealed: %v", err)
	}
	if err := streams.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	batches, err := journal.OpenTool(filepath.Join(dir, "tool_journal.db"))
	if err != nil {
		t.Fatalf("OpenTool: %v", err)
	}
	proof, err := batches.BeginBatch(ctx, stepID, testModel)
	if err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}
	if err := batches.RecordCallStart(ctx, proof.BatchID(), 1, "c1", "run_shell"); err != nil {
		t.Fatalf("RecordCallStart: %v", err)
	}
	if err := batches.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	env := newTestEnvAt(t, dir, nil)
	if err := env.eng.CheckCrashRecovery(ctx); err != nil {
		t.Fatalf("CheckCrashRecovery: %v", err)
	}
	if env.eng.State() != StateToolRecovery {
		t.Fatalf("State()=%v, want tool recovery", env.eng.State())
	}
	if !containsNotice(env.eng.TakeNotices(), "left no process metadata") {
		t.Fatalf("missing stray process warning")
	}
	if err := env.eng.ResolveToolRecovery(ctx, false); err != nil {
		t.Fatalf("ResolveToolRecovery: %v", err)
	}
}

func TestEngine_RecoverySkipsDeadShellProcess(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	streams, err := journal.OpenStream(filepath.Join(dir, "stream_journal.db"))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	stepID, err := streams.BeginSession(ctx, testModel)
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if _, err := streams.SealUnsealed(ctx, stepID); err != nil {
		t.Fatalf("SealUnsealed: %v", err)
	}
	if err := streams.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	batches, err := journal.OpenTool(filepath.Join(dir, "tool_journal.db"))
	if err != nil {
		t.Fatalf("OpenTool: %v", err)
	}
	proof, err := batches.BeginBatch(ctx, stepID, testModel)
	if err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}
	if err := batches.RecordCallStart(ctx, proof.BatchID(), 1, "c1", "run_shell"); err != nil {
		t.Fatalf("RecordCallStart: %v", err)
	}
	// A pid far above the kernel's pid range cannot exist anymore.
	if err := batches.RecordCallProcess(ctx, proof.BatchID(), "c1", 1<<30, time.Now().UnixMilli()); err != nil {
		t.Fatalf("RecordCallProcess: %v", err)
	}
	if err := batches.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	env := newTestEnvAt(t, dir, nil)
	if err := env.eng.CheckCrashRecovery(ctx); err != nil {
		t.Fatalf("CheckCrashRecovery: %v", err)
	}
	notices := env.eng.TakeNotices()
	if containsNotice(notices, "left no process metadata") {
		t.Fatalf("metadata warning for a call that had metadata: %v", notices)
	}
	if containsNotice(notices, "not killed") {
		t.Fatalf("verification warning for a process that is simply gone: %v", notices)
	}
	if err := env.eng.ResolveToolRecovery(ctx, false); err != nil {
		t.Fatalf("ResolveToolRecovery: %v", err)
	}
}

func TestEngine_RecoveryDiscardsUnownedBatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	// A batch recorded against step 0 belongs to no turn. No conforming
	// writer produces one; treat it as foreign and drop it.
	batches, err := journal.OpenTool(filepath.Join(dir, "tool_journal.db"))
	if err != nil {
		t.Fatalf("OpenTool: %v", err)
	}
	proof, err := batches.BeginBatch(ctx, 0, testModel)
	if err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}
	if err := batches.RecordCallStart(ctx, proof.BatchID(), 1, "c1", "echo_tool"); err != nil {
		t.Fatalf("RecordCallStart: %v", err)
	}
	if err := batches.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	env := newTestEnvAt(t, dir, nil)
	if err := env.eng.CheckCrashRecovery(ctx); err != nil {
		t.Fatalf("CheckCrashRecovery: %v", err)
	}
	if got := env.eng.State(); got != StateIdle {
		t.Fatalf("state after recovery = %v, want idle", got)
	}
	if !containsNotice(env.eng.TakeNotices(), "Recovered tool batch had no owning turn; discarded") {
		t.Fatal("missing unowned-batch notice")
	}
	rec, err := env.batches.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if rec != nil {
		t.Fatalf("batch journal still holds %+v after discard", rec)
	}
}
