package engine

import (
	"strings"
	"testing"

	"github.com/floegence/agentloop/internal/provider"
)

func textDelta(s string) provider.StreamEvent {
	return provider.StreamEvent{Kind: provider.EventTextDelta, Text: s}
}

func thinkingDelta(s string) provider.StreamEvent {
	return provider.StreamEvent{Kind: provider.EventThinkingDelta, Text: s}
}

func callStart(id, name string) provider.StreamEvent {
	return provider.StreamEvent{
		Kind:     provider.EventToolCallStart,
		ToolCall: &provider.PartialToolCall{ID: id, Name: name},
	}
}

func callDelta(id, delta string) provider.StreamEvent {
	return provider.StreamEvent{
		Kind:     provider.EventToolCallDelta,
		ToolCall: &provider.PartialToolCall{ID: id, ArgsDelta: delta},
	}
}

func TestStreamingMessage_BudgetBoundsOnePoll(t *testing.T) {
	t.Parallel()

	m := newStreamingMessage(testLogger(), "m", 1024, 10)
	m.beginPoll()
	m.apply(textDelta("abcdefgh"))
	m.apply(textDelta("ijklmnop"))

	// One poll applies exactly the budget; the overflow queues.
	if got := m.Content(); got != "abcdefghij" {
		t.Fatalf("Content()=%q after one poll, want %q", got, "abcdefghij")
	}
	if !m.hasPending() {
		t.Fatalf("overflow should be pending")
	}

	m.beginPoll()
	m.applyPending()
	if got := m.Content(); got != "abcdefghijklmnop" {
		t.Fatalf("Content()=%q after second poll, want full text", got)
	}
	if m.hasPending() {
		t.Fatalf("nothing should be pending after catch-up")
	}
}

func TestStreamingMessage_PendingPreservesOrder(t *testing.T) {
	t.Parallel()

	m := newStreamingMessage(testLogger(), "m", 1024, 4)
	m.beginPoll()
	m.apply(textDelta("abcdef"))
	// Anything behind a queued delta queues too, even under budget.
	m.apply(textDelta("gh"))
	if got := m.Content(); got != "abcd" {
		t.Fatalf("Content()=%q, want %q", got, "abcd")
	}

	m.beginPoll()
	m.applyPending()
	if got := m.Content(); got != "abcdefgh" {
		t.Fatalf("Content()=%q, want %q", got, "abcdefgh")
	}
}

func TestStreamingMessage_FlushPendingIgnoresBudget(t *testing.T) {
	t.Parallel()

	m := newStreamingMessage(testLogger(), "m", 1024, 2)
	m.beginPoll()
	m.apply(textDelta("a long delta well past the budget"))
	m.flushPending()
	if got := m.Content(); got != "a long delta well past the budget" {
		t.Fatalf("Content()=%q after flush", got)
	}
}

func TestStreamingMessage_TakeNewTextTracksUnread(t *testing.T) {
	t.Parallel()

	m := newStreamingMessage(testLogger(), "m", 1024, 1024)
	m.beginPoll()
	m.apply(textDelta("hello"))
	if got := m.TakeNewText(); got != "hello" {
		t.Fatalf("TakeNewText()=%q, want %q", got, "hello")
	}
	if got := m.TakeNewText(); got != "" {
		t.Fatalf("TakeNewText()=%q on second take, want empty", got)
	}
	m.apply(textDelta(" world"))
	if got := m.TakeNewText(); got != " world" {
		t.Fatalf("TakeNewText()=%q, want %q", got, " world")
	}
	if got := m.Content(); got != "hello world" {
		t.Fatalf("Content()=%q", got)
	}
}

func TestStreamingMessage_TakeToolCalls_ArgsCapYieldsErrorResult(t *testing.T) {
	t.Parallel()

	m := newStreamingMessage(testLogger(), "m", 10, 1024)
	m.beginPoll()
	m.apply(callStart("c1", "run_shell"))
	m.apply(callDelta("c1", `{"cmd":"echo hello"}`))

	calls, pre := m.TakeToolCalls()
	if len(calls) != 1 {
		t.Fatalf("len(calls)=%d, want 1", len(calls))
	}
	if calls[0].ID != "c1" || string(calls[0].Args) != "{}" {
		t.Fatalf("call=%+v, want empty args object", calls[0])
	}
	if len(pre) != 1 {
		t.Fatalf("len(preResolved)=%d, want 1", len(pre))
	}
	r := pre[0]
	if r.CallID != "c1" || !r.IsError || r.Content != "Tool arguments exceeded maximum size" {
		t.Fatalf("preResolved=%+v", r)
	}
}

func TestStreamingMessage_TakeToolCalls_InvalidJSON(t *testing.T) {
	t.Parallel()

	m := newStreamingMessage(testLogger(), "m", 1024, 1024)
	m.beginPoll()
	m.apply(callStart("c1", "read_file"))
	m.apply(callDelta("c1", `{"path":`))

	calls, pre := m.TakeToolCalls()
	if len(calls) != 1 || string(calls[0].Args) != "{}" {
		t.Fatalf("calls=%+v, want one call with empty args", calls)
	}
	if len(pre) != 1 || !pre[0].IsError || pre[0].Content != "Invalid tool arguments JSON" {
		t.Fatalf("preResolved=%+v", pre)
	}
}

func TestStreamingMessage_TakeToolCalls_EmptyAndValidArgs(t *testing.T) {
	t.Parallel()

	m := newStreamingMessage(testLogger(), "m", 1024, 1024)
	m.beginPoll()
	m.apply(callStart("c1", "read_file"))
	m.apply(callStart("c2", "run_shell"))
	m.apply(callDelta("c2", `{"cmd":"ls"}`))
	// A repeated start for a known id is ignored, not a new call.
	m.apply(callStart("c2", "run_shell"))

	calls, pre := m.TakeToolCalls()
	if len(calls) != 2 {
		t.Fatalf("len(calls)=%d, want 2", len(calls))
	}
	if string(calls[0].Args) != "{}" {
		t.Fatalf("empty-args call got %q", calls[0].Args)
	}
	if string(calls[1].Args) != `{"cmd":"ls"}` {
		t.Fatalf("parsed args=%q", calls[1].Args)
	}
	if len(pre) != 0 {
		t.Fatalf("preResolved=%+v, want none", pre)
	}
}

func TestStreamingMessage_ArgsWouldExceed(t *testing.T) {
	t.Parallel()

	m := newStreamingMessage(testLogger(), "m", 10, 1024)
	m.beginPoll()
	m.apply(callStart("c1", "run_shell"))
	if m.argsWouldExceed("c1", 5) {
		t.Fatalf("5 bytes into an empty builder should fit a 10 byte cap")
	}
	m.apply(callDelta("c1", "12345678"))
	if m.argsWouldExceed("c1", 2) {
		t.Fatalf("8+2 should still fit")
	}
	if !m.argsWouldExceed("c1", 3) {
		t.Fatalf("8+3 should exceed")
	}
	// Crossing the cap marks the call; afterwards any size reports true.
	m.apply(callDelta("c1", "xyz"))
	if !m.argsWouldExceed("c1", 0) {
		t.Fatalf("exceeded call should report true for any delta")
	}
	if m.argsWouldExceed("unknown", 100) {
		t.Fatalf("unknown call id should report false")
	}
}

func TestStreamingMessage_ThinkingBlocksKeepSignatures(t *testing.T) {
	t.Parallel()

	m := newStreamingMessage(testLogger(), "test-model", 1024, 1024)
	m.beginPoll()
	m.apply(thinkingDelta("plan the work"))
	m.apply(provider.StreamEvent{Kind: provider.EventThinkingSignature, Text: "sig-1"})
	m.apply(thinkingDelta("second thoughts"))

	msgs := m.ThinkingMessages()
	if len(msgs) != 2 {
		t.Fatalf("len(ThinkingMessages())=%d, want 2", len(msgs))
	}
	if msgs[0].Content != "plan the work" || msgs[0].Signature != "sig-1" {
		t.Fatalf("signed block=%+v", msgs[0])
	}
	if msgs[1].Content != "second thoughts" || msgs[1].Signature != "" {
		t.Fatalf("unsigned block=%+v", msgs[1])
	}
}

func TestStreamingMessage_ReasoningSummaryUsedWithoutThinking(t *testing.T) {
	t.Parallel()

	m := newStreamingMessage(testLogger(), "m", 1024, 1024)
	m.beginPoll()
	m.apply(provider.StreamEvent{
		Kind:      provider.EventReasoningDone,
		Reasoning: &provider.ReasoningItem{ID: "r1", Summary: "summarized reasoning"},
	})
	if got := m.TakeNewThinking(); got != "summarized reasoning" {
		t.Fatalf("TakeNewThinking()=%q", got)
	}

	// Native thinking deltas suppress the summary fallback.
	m2 := newStreamingMessage(testLogger(), "m", 1024, 1024)
	m2.beginPoll()
	m2.apply(thinkingDelta("native"))
	m2.apply(provider.StreamEvent{
		Kind:      provider.EventReasoningDone,
		Reasoning: &provider.ReasoningItem{ID: "r1", Summary: "duplicate"},
	})
	if got := m2.TakeNewThinking(); got != "native" {
		t.Fatalf("TakeNewThinking()=%q, want native only", got)
	}
}

func TestStreamingMessage_UsageMergesAcrossEvents(t *testing.T) {
	t.Parallel()

	m := newStreamingMessage(testLogger(), "m", 1024, 1024)
	m.beginPoll()
	m.apply(provider.StreamEvent{Kind: provider.EventUsage, Usage: &provider.Usage{InputTokens: 10, OutputTokens: 2}})
	m.apply(provider.StreamEvent{Kind: provider.EventUsage, Usage: &provider.Usage{OutputTokens: 5, ReasoningTokens: 3}})
	u := m.Usage()
	if u.InputTokens != 10 || u.OutputTokens != 7 || u.ReasoningTokens != 3 {
		t.Fatalf("Usage()=%+v", u)
	}
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	if got := truncateRunes("short", 10); got != "short" {
		t.Fatalf("truncateRunes under max changed the string: %q", got)
	}
	got := truncateRunes(strings.Repeat("é", 20), 5)
	if got != strings.Repeat("é", 5)+"..." {
		t.Fatalf("truncateRunes=%q, want 5 runes plus ellipsis", got)
	}
	if got := truncateRunes("anything", 0); got != "anything" {
		t.Fatalf("max 0 should disable truncation, got %q", got)
	}
}
