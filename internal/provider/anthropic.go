package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/floegence/agentloop/internal/turn"
)

const defaultMaxOutputTokens = 4096

// minThinkingBudgetTokens is the smallest budget the Anthropic API accepts
// for extended thinking.
const minThinkingBudgetTokens = 1024

type anthropicStreamer struct {
	client anthropic.Client
}

func newAnthropicStreamer(apiKey string, baseURL string) *anthropicStreamer {
	opts := []aoption.RequestOption{aoption.WithAPIKey(apiKey)}
	if u := strings.TrimSpace(baseURL); u != "" {
		opts = append(opts, aoption.WithBaseURL(u))
	}
	return &anthropicStreamer{client: anthropic.NewClient(opts...)}
}

func (p *anthropicStreamer) StartStream(ctx context.Context, req Request) (<-chan StreamEvent, CancelFunc, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, nil, errors.New("missing model")
	}
	params := buildAnthropicParams(req)
	ch, cancel := startEventStream(ctx, func(ctx context.Context, emit func(StreamEvent) bool) error {
		return p.streamTurn(ctx, params, emit)
	})
	return ch, cancel, nil
}

// startedAnthropicCall tracks one tool_use content block while it streams.
type startedAnthropicCall struct {
	id       string
	argsSent bool
}

func (p *anthropicStreamer) streamTurn(ctx context.Context, params anthropic.MessageNewParams, emit func(StreamEvent) bool) error {
	stream := p.client.Messages.NewStreaming(ctx, params)
	msg := anthropic.Message{}
	started := map[int64]*startedAnthropicCall{}

	for stream.Next() {
		event := stream.Current()
		_ = msg.Accumulate(event)

		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if variant.ContentBlock.Type != "tool_use" {
				continue
			}
			call := &startedAnthropicCall{id: variant.ContentBlock.ID}
			started[variant.Index] = call
			if !emit(StreamEvent{Kind: EventToolCallStart, ToolCall: &PartialToolCall{
				ID:   call.id,
				Name: variant.ContentBlock.Name,
			}}) {
				return ctx.Err()
			}
			// Some gateways put the full arguments on the start event
			// instead of streaming input_json_delta fragments.
			if initial := rawToolInput(json.RawMessage(variant.ContentBlock.JSON.Input.Raw())); initial != "" {
				call.argsSent = true
				if !emit(StreamEvent{Kind: EventToolCallDelta, ToolCall: &PartialToolCall{
					ID:        call.id,
					ArgsDelta: initial,
				}}) {
					return ctx.Err()
				}
			}

		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				if !emit(StreamEvent{Kind: EventTextDelta, Text: delta.Text}) {
					return ctx.Err()
				}
			case anthropic.ThinkingDelta:
				if delta.Thinking == "" {
					continue
				}
				if !emit(StreamEvent{Kind: EventThinkingDelta, Text: delta.Thinking}) {
					return ctx.Err()
				}
			case anthropic.SignatureDelta:
				if delta.Signature == "" {
					continue
				}
				if !emit(StreamEvent{Kind: EventThinkingSignature, Text: delta.Signature}) {
					return ctx.Err()
				}
			case anthropic.InputJSONDelta:
				call := started[variant.Index]
				if call == nil || delta.PartialJSON == "" {
					continue
				}
				call.argsSent = true
				if !emit(StreamEvent{Kind: EventToolCallDelta, ToolCall: &PartialToolCall{
					ID:        call.id,
					ArgsDelta: delta.PartialJSON,
				}}) {
					return ctx.Err()
				}
			}

		case anthropic.ContentBlockStopEvent:
			call := started[variant.Index]
			if call == nil || call.argsSent {
				continue
			}
			// No argument fragments arrived; fall back to the input the
			// accumulator assembled for this block.
			if int(variant.Index) >= len(msg.Content) {
				continue
			}
			block, ok := msg.Content[variant.Index].AsAny().(anthropic.ToolUseBlock)
			if !ok {
				continue
			}
			if args := rawToolInput(block.Input); args != "" {
				call.argsSent = true
				if !emit(StreamEvent{Kind: EventToolCallDelta, ToolCall: &PartialToolCall{
					ID:        call.id,
					ArgsDelta: args,
				}}) {
					return ctx.Err()
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}

	// A degenerate stream can finish without content_block_start events for
	// tool calls the final message still carries. Surface those too.
	seen := map[string]bool{}
	for _, call := range started {
		seen[call.id] = true
	}
	for _, content := range msg.Content {
		block, ok := content.AsAny().(anthropic.ToolUseBlock)
		if !ok || seen[block.ID] {
			continue
		}
		if !emit(StreamEvent{Kind: EventToolCallStart, ToolCall: &PartialToolCall{
			ID:   block.ID,
			Name: block.Name,
		}}) {
			return ctx.Err()
		}
		if args := rawToolInput(block.Input); args != "" {
			if !emit(StreamEvent{Kind: EventToolCallDelta, ToolCall: &PartialToolCall{
				ID:        block.ID,
				ArgsDelta: args,
			}}) {
				return ctx.Err()
			}
		}
	}

	if msg.Usage.InputTokens > 0 || msg.Usage.OutputTokens > 0 {
		if !emit(StreamEvent{Kind: EventUsage, Usage: &Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		}}) {
			return ctx.Err()
		}
	}
	return nil
}

// rawToolInput renders an accumulated tool input as a JSON argument string.
// Empty objects and nulls return "" so callers skip the emission and the
// downstream empty-arguments fallback applies instead.
func rawToolInput(input json.RawMessage) string {
	s := strings.TrimSpace(string(input))
	if s == "" || s == "{}" || s == "null" {
		return ""
	}
	return s
}

func buildAnthropicParams(req Request) anthropic.MessageNewParams {
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: maxTokens,
	}
	if req.ThinkingBudgetTokens >= minThinkingBudgetTokens && req.ThinkingBudgetTokens < maxTokens {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(req.ThinkingBudgetTokens)
	}
	system, messages := buildAnthropicMessages(req.Messages)
	params.Messages = messages
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}
	return params
}

// buildAnthropicMessages converts flat history rows into the alternating
// message shape the API requires. Consecutive assistant-side rows (text,
// thinking, tool_use) collapse into one assistant message and consecutive
// user-side rows (text, tool_result) into one user message, preserving row
// order within each. Unsigned thinking is dropped; the API rejects replayed
// thinking blocks without their signature.
func buildAnthropicMessages(messages []turn.Message) (string, []anthropic.MessageParam) {
	var systemParts []string
	var out []anthropic.MessageParam
	var assistantBlocks []anthropic.ContentBlockParamUnion
	var userBlocks []anthropic.ContentBlockParamUnion

	flushAssistant := func() {
		if len(assistantBlocks) > 0 {
			out = append(out, anthropic.NewAssistantMessage(assistantBlocks...))
			assistantBlocks = nil
		}
	}
	flushUser := func() {
		if len(userBlocks) > 0 {
			out = append(out, anthropic.NewUserMessage(userBlocks...))
			userBlocks = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case turn.RoleSystem:
			flushAssistant()
			flushUser()
			if s := strings.TrimSpace(msg.Content); s != "" {
				systemParts = append(systemParts, s)
			}
		case turn.RoleUser:
			flushAssistant()
			userBlocks = append(userBlocks, anthropic.NewTextBlock(msg.Content))
		case turn.RoleToolResult:
			flushAssistant()
			userBlocks = append(userBlocks, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
		case turn.RoleAssistant:
			flushUser()
			if msg.Content != "" {
				assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(msg.Content))
			}
		case turn.RoleThinking:
			flushUser()
			if msg.Signature != "" {
				assistantBlocks = append(assistantBlocks, anthropic.NewThinkingBlock(msg.Signature, msg.Content))
			}
		case turn.RoleToolUse:
			flushUser()
			args := strings.TrimSpace(msg.Content)
			if args == "" || !json.Valid([]byte(args)) {
				args = "{}"
			}
			assistantBlocks = append(assistantBlocks, anthropic.NewToolUseBlock(msg.ToolCallID, json.RawMessage(args), msg.ToolName))
		}
	}
	flushAssistant()
	flushUser()

	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return strings.Join(systemParts, "\n\n"), out
}

func buildAnthropicTools(defs []ToolDef) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema map[string]any
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schema)
		}
		input := anthropic.ToolInputSchemaParam{}
		if props, ok := schema["properties"].(map[string]any); ok {
			input.Properties = props
		}
		if required, ok := toStringSlice(schema["required"]); ok {
			input.Required = required
		}
		tool := anthropic.ToolParam{
			Name:        def.Name,
			InputSchema: input,
		}
		if def.Description != "" {
			tool.Description = anthropic.String(def.Description)
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return tools
}
