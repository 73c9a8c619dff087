package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/floegence/agentloop/internal/turn"
)

func userMsg(t *testing.T, content string) turn.Message {
	t.Helper()
	m, err := turn.UserMessage(content)
	if err != nil {
		t.Fatalf("UserMessage: %v", err)
	}
	return m
}

func assistantMsg(t *testing.T, content string) turn.Message {
	t.Helper()
	m, err := turn.AssistantMessage("m", content)
	if err != nil {
		t.Fatalf("AssistantMessage: %v", err)
	}
	return m
}

func TestNew_SelectsProvider(t *testing.T) {
	t.Parallel()

	s, err := New("anthropic", "", "key")
	if err != nil {
		t.Fatalf("New anthropic: %v", err)
	}
	if _, ok := s.(*anthropicStreamer); !ok {
		t.Fatalf("expected *anthropicStreamer, got %T", s)
	}

	s, err = New("openai", "", "key")
	if err != nil {
		t.Fatalf("New openai: %v", err)
	}
	op, ok := s.(*openAIStreamer)
	if !ok {
		t.Fatalf("expected *openAIStreamer, got %T", s)
	}
	if !op.strictToolSchema {
		t.Fatalf("official openai should use strict schemas")
	}

	s, err = New("OpenAI_Compatible", "https://gw.example.com/v1", "key")
	if err != nil {
		t.Fatalf("New openai_compatible: %v", err)
	}
	op, ok = s.(*openAIStreamer)
	if !ok {
		t.Fatalf("expected *openAIStreamer, got %T", s)
	}
	if op.strictToolSchema {
		t.Fatalf("compatible gateway should not use strict schemas")
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	if _, err := New("anthropic", "", "  "); err == nil {
		t.Fatalf("expected error for missing api key")
	}
	if _, err := New("bedrock", "", "key"); err == nil {
		t.Fatalf("expected error for unsupported provider type")
	}
}

func TestShouldUseStrictToolSchema(t *testing.T) {
	t.Parallel()

	cases := []struct {
		providerType string
		baseURL      string
		want         bool
	}{
		{"openai", "", true},
		{"openai", "https://api.openai.com/v1", true},
		{"openai", "https://proxy.example.com/v1", false},
		{"openai", "://bad", false},
		{"openai_compatible", "", false},
		{"openai_compatible", "https://api.openai.com/v1", false},
	}
	for _, tc := range cases {
		if got := shouldUseStrictToolSchema(tc.providerType, tc.baseURL); got != tc.want {
			t.Errorf("shouldUseStrictToolSchema(%q, %q) = %v, want %v", tc.providerType, tc.baseURL, got, tc.want)
		}
	}
}

func TestRawToolInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"  ", ""},
		{"{}", ""},
		{"null", ""},
		{`{"path":"a.txt"}`, `{"path":"a.txt"}`},
	}
	for _, tc := range cases {
		if got := rawToolInput([]byte(tc.in)); got != tc.want {
			t.Errorf("rawToolInput(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBuildAnthropicMessages_MergesRuns(t *testing.T) {
	t.Parallel()

	system, out := buildAnthropicMessages([]turn.Message{
		turn.SystemMessage("You are terse."),
		userMsg(t, "read the file"),
		turn.ThinkingMessageSigned("m", "let me look", "sig-1"),
		assistantMsg(t, "Reading it now."),
		turn.ToolUseMessage("call-1", "read_file", `{"path":"a.txt"}`),
		turn.ToolResultMessage("call-1", "read_file", "contents", false),
		assistantMsg(t, "Done."),
	})
	if system != "You are terse." {
		t.Fatalf("system = %q", system)
	}
	// user / assistant(thinking+text+tool_use) / user(tool_result) / assistant
	if len(out) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(out))
	}
	if len(out[1].Content) != 3 {
		t.Fatalf("expected 3 assistant blocks, got %d", len(out[1].Content))
	}
	thinking := out[1].Content[0].OfThinking
	if thinking == nil || thinking.Signature != "sig-1" || thinking.Thinking != "let me look" {
		t.Fatalf("first assistant block should be the signed thinking, got %+v", out[1].Content[0])
	}
	toolUse := out[1].Content[2].OfToolUse
	if toolUse == nil || toolUse.ID != "call-1" || toolUse.Name != "read_file" {
		t.Fatalf("third assistant block should be the tool_use, got %+v", out[1].Content[2])
	}
	result := out[2].Content[0].OfToolResult
	if result == nil || result.ToolUseID != "call-1" {
		t.Fatalf("tool result should address call-1, got %+v", out[2].Content[0])
	}
}

func TestBuildAnthropicMessages_DropsUnsignedThinking(t *testing.T) {
	t.Parallel()

	_, out := buildAnthropicMessages([]turn.Message{
		userMsg(t, "hi"),
		turn.ThinkingMessage("m", "unsigned musings"),
		assistantMsg(t, "hello"),
	})
	if len(out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out))
	}
	if len(out[1].Content) != 1 || out[1].Content[0].OfText == nil {
		t.Fatalf("assistant message should carry only the text block, got %+v", out[1].Content)
	}
}

func TestBuildAnthropicMessages_EmptyFallback(t *testing.T) {
	t.Parallel()

	_, out := buildAnthropicMessages(nil)
	if len(out) != 1 {
		t.Fatalf("expected fallback user message, got %d messages", len(out))
	}
	if out[0].Content[0].OfText == nil || out[0].Content[0].OfText.Text != "Continue." {
		t.Fatalf("fallback message = %+v", out[0].Content[0])
	}
}

func TestBuildAnthropicParams_ThinkingBudget(t *testing.T) {
	t.Parallel()

	params := buildAnthropicParams(Request{Model: "claude-x", ThinkingBudgetTokens: 2048})
	if params.MaxTokens != defaultMaxOutputTokens {
		t.Fatalf("MaxTokens = %d", params.MaxTokens)
	}
	if params.Thinking.OfEnabled == nil || params.Thinking.OfEnabled.BudgetTokens != 2048 {
		t.Fatalf("thinking should be enabled with budget 2048, got %+v", params.Thinking)
	}

	// Budgets below the API minimum or at/above max_tokens stay disabled.
	params = buildAnthropicParams(Request{Model: "claude-x", ThinkingBudgetTokens: 512})
	if params.Thinking.OfEnabled != nil {
		t.Fatalf("budget 512 should not enable thinking")
	}
	params = buildAnthropicParams(Request{Model: "claude-x", MaxOutputTokens: 2000, ThinkingBudgetTokens: 2000})
	if params.Thinking.OfEnabled != nil {
		t.Fatalf("budget equal to max_tokens should not enable thinking")
	}
}

func TestBuildOpenAIInput_RolesAndReplay(t *testing.T) {
	t.Parallel()

	items, instructions := buildOpenAIInput([]turn.Message{
		turn.SystemMessage("rule one"),
		turn.SystemMessage("rule two"),
		userMsg(t, "do the thing"),
		turn.ThinkingMessage("m", "reasoning summary"),
		turn.ToolUseMessage("call-1", "run_shell", `{"command":"ls"}`),
		turn.ToolResultMessage("call-1", "run_shell", "ok", false),
		assistantMsg(t, "All done."),
	}, true)

	if instructions != "rule one\n\nrule two" {
		t.Fatalf("instructions = %q", instructions)
	}
	// user, function_call, function_call_output, output message; thinking
	// rows never become input.
	if len(items) != 4 {
		t.Fatalf("expected 4 items, got %d", len(items))
	}
	if items[0].OfMessage == nil {
		t.Fatalf("item 0 should be a user message, got %+v", items[0])
	}
	call := items[1].OfFunctionCall
	if call == nil || call.CallID != "call-1" || call.Name != "run_shell" || call.Arguments != `{"command":"ls"}` {
		t.Fatalf("item 1 should be the function call, got %+v", items[1])
	}
	output := items[2].OfFunctionCallOutput
	if output == nil || output.CallID != "call-1" {
		t.Fatalf("item 2 should be the function call output, got %+v", items[2])
	}
	if items[3].OfOutputMessage == nil {
		t.Fatalf("item 3 should be an assistant output message, got %+v", items[3])
	}
}

func TestBuildOpenAIInput_NonStrictAssistantText(t *testing.T) {
	t.Parallel()

	items, _ := buildOpenAIInput([]turn.Message{
		userMsg(t, "hi"),
		assistantMsg(t, "hello"),
	}, false)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[1].OfMessage == nil {
		t.Fatalf("non-strict assistant text should be a plain input message, got %+v", items[1])
	}
}

func TestBuildOpenAIInput_InvalidToolArgs(t *testing.T) {
	t.Parallel()

	items, _ := buildOpenAIInput([]turn.Message{
		turn.ToolUseMessage("call-1", "read_file", `{"broken`),
	}, true)
	if len(items) != 1 || items[0].OfFunctionCall == nil {
		t.Fatalf("expected one function call item, got %+v", items)
	}
	if items[0].OfFunctionCall.Arguments != "{}" {
		t.Fatalf("invalid args should replay as {}, got %q", items[0].OfFunctionCall.Arguments)
	}
}

func TestStartEventStream_TerminalEvents(t *testing.T) {
	t.Parallel()

	ch, cancel := startEventStream(context.Background(), func(ctx context.Context, emit func(StreamEvent) bool) error {
		emit(StreamEvent{Kind: EventTextDelta, Text: "a"})
		emit(StreamEvent{Kind: EventTextDelta, Text: "b"})
		return nil
	})
	defer cancel()
	var got []StreamEvent
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Text != "a" || got[1].Text != "b" || got[2].Kind != EventDone {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestStartEventStream_ErrorBecomesEvent(t *testing.T) {
	t.Parallel()

	ch, cancel := startEventStream(context.Background(), func(ctx context.Context, emit func(StreamEvent) bool) error {
		return errors.New("upstream exploded")
	})
	defer cancel()
	var last StreamEvent
	count := 0
	for ev := range ch {
		last = ev
		count++
	}
	if count != 1 || last.Kind != EventError || last.ErrText != "upstream exploded" {
		t.Fatalf("expected single error event, got %d events, last %+v", count, last)
	}
}

func TestStartEventStream_CancelClosesWithoutTerminal(t *testing.T) {
	t.Parallel()

	ch, cancel := startEventStream(context.Background(), func(ctx context.Context, emit func(StreamEvent) bool) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			t.Fatalf("expected no events after cancel, got %+v", ev)
		case <-deadline:
			t.Fatalf("channel never closed after cancel")
		}
	}
}
