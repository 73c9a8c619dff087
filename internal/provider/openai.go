package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"

	"github.com/floegence/agentloop/internal/turn"
)

type openAIStreamer struct {
	client           openai.Client
	strictToolSchema bool
}

func newOpenAIStreamer(apiKey string, baseURL string, strict bool) *openAIStreamer {
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &openAIStreamer{client: openai.NewClient(opts...), strictToolSchema: strict}
}

func (p *openAIStreamer) StartStream(ctx context.Context, req Request) (<-chan StreamEvent, CancelFunc, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, nil, errors.New("missing model")
	}
	params := p.buildParams(req)
	ch, cancel := startEventStream(ctx, func(ctx context.Context, emit func(StreamEvent) bool) error {
		return p.streamTurn(ctx, params, emit)
	})
	return ch, cancel, nil
}

func (p *openAIStreamer) buildParams(req Request) oresponses.ResponseNewParams {
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}
	params := oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens: openai.Int(maxTokens),
	}
	items, instructions := buildOpenAIInput(req.Messages, p.strictToolSchema)
	if len(items) == 0 {
		items = append(items, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}
	if len(req.Tools) > 0 {
		params.Tools = buildOpenAITools(req.Tools, p.strictToolSchema)
	}
	if id := strings.TrimSpace(req.PreviousResponseID); id != "" {
		params.PreviousResponseID = openai.String(id)
	}
	return params
}

// openAIPartialCall tracks one function_call output item while it streams.
// Argument bytes are emitted as append-only suffixes of the accumulated raw
// string, so a consumer concatenating deltas reconstructs the arguments even
// when a gateway repeats them on the done events.
type openAIPartialCall struct {
	itemID  string
	callID  string
	name    string
	started bool
	raw     strings.Builder
	emitted string
}

func (p *openAIStreamer) streamTurn(ctx context.Context, params oresponses.ResponseNewParams, emit func(StreamEvent) bool) error {
	stream := p.client.Responses.NewStreaming(ctx, params)

	partials := map[string]*openAIPartialCall{} // item_id -> partial
	sawText := false
	var completed oresponses.Response
	gotCompleted := false

	getPartial := func(itemID string) *openAIPartialCall {
		itemID = strings.TrimSpace(itemID)
		if itemID == "" {
			return nil
		}
		if pc := partials[itemID]; pc != nil {
			return pc
		}
		pc := &openAIPartialCall{itemID: itemID, callID: itemID}
		partials[itemID] = pc
		return pc
	}
	emitStart := func(pc *openAIPartialCall) bool {
		if pc == nil || pc.started || pc.name == "" {
			return true
		}
		pc.started = true
		return emit(StreamEvent{Kind: EventToolCallStart, ToolCall: &PartialToolCall{
			ID:   pc.callID,
			Name: pc.name,
		}})
	}
	emitArgs := func(pc *openAIPartialCall) bool {
		if pc == nil || !pc.started {
			return true
		}
		full := pc.raw.String()
		if full == pc.emitted || !strings.HasPrefix(full, pc.emitted) {
			return true
		}
		suffix := full[len(pc.emitted):]
		pc.emitted = full
		return emit(StreamEvent{Kind: EventToolCallDelta, ToolCall: &PartialToolCall{
			ID:        pc.callID,
			ArgsDelta: suffix,
		}})
	}

	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case "response.output_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			sawText = true
			if !emit(StreamEvent{Kind: EventTextDelta, Text: delta}) {
				return ctx.Err()
			}

		case "response.reasoning_summary_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			if !emit(StreamEvent{Kind: EventThinkingDelta, Text: delta}) {
				return ctx.Err()
			}

		case "response.output_item.added":
			item := event.Item
			if strings.TrimSpace(item.Type) != "function_call" {
				continue
			}
			pc := getPartial(item.ID)
			if pc == nil {
				continue
			}
			if cid := strings.TrimSpace(item.CallID); cid != "" {
				pc.callID = cid
			}
			if name := strings.TrimSpace(item.Name); name != "" {
				pc.name = name
			}
			if !emitStart(pc) {
				return ctx.Err()
			}
			if raw := strings.TrimSpace(item.Arguments); raw != "" {
				pc.raw.WriteString(raw)
				if !emitArgs(pc) {
					return ctx.Err()
				}
			}

		case "response.function_call_arguments.delta":
			pc := getPartial(event.ItemID)
			if pc == nil {
				continue
			}
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			pc.raw.WriteString(delta)
			if !emitStart(pc) {
				return ctx.Err()
			}
			if !emitArgs(pc) {
				return ctx.Err()
			}

		case "response.function_call_arguments.done":
			pc := getPartial(event.ItemID)
			if pc == nil {
				continue
			}
			if raw := strings.TrimSpace(event.Arguments); raw != "" {
				pc.raw.Reset()
				pc.raw.WriteString(raw)
			}
			if !emitStart(pc) {
				return ctx.Err()
			}
			if !emitArgs(pc) {
				return ctx.Err()
			}

		case "response.output_item.done":
			item := event.Item
			switch strings.TrimSpace(item.Type) {
			case "function_call":
				pc := getPartial(item.ID)
				if pc == nil {
					continue
				}
				if cid := strings.TrimSpace(item.CallID); cid != "" {
					pc.callID = cid
				}
				if name := strings.TrimSpace(item.Name); name != "" {
					pc.name = name
				}
				if raw := strings.TrimSpace(item.Arguments); raw != "" && strings.TrimSpace(pc.raw.String()) == "" {
					pc.raw.WriteString(raw)
				}
				if !emitStart(pc) {
					return ctx.Err()
				}
				if !emitArgs(pc) {
					return ctx.Err()
				}
			case "reasoning":
				reasoning := item.AsReasoning()
				var summary strings.Builder
				for _, part := range reasoning.Summary {
					if strings.TrimSpace(part.Text) == "" {
						continue
					}
					if summary.Len() > 0 {
						summary.WriteString("\n\n")
					}
					summary.WriteString(part.Text)
				}
				if !emit(StreamEvent{Kind: EventReasoningDone, Reasoning: &ReasoningItem{
					ID:               reasoning.ID,
					Summary:          summary.String(),
					EncryptedContent: reasoning.EncryptedContent,
				}}) {
					return ctx.Err()
				}
			}

		case "response.completed":
			completed = event.Response
			gotCompleted = true
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	if !gotCompleted {
		return errors.New("missing response.completed event")
	}

	// Fallback: recover tool calls the stream events missed from
	// completed.output.
	seen := map[string]bool{}
	for _, pc := range partials {
		if pc.started {
			seen[pc.callID] = true
		}
	}
	fallbackSeq := 0
	for _, item := range completed.Output {
		if strings.TrimSpace(item.Type) != "function_call" {
			continue
		}
		callID := strings.TrimSpace(item.CallID)
		if callID == "" {
			callID = strings.TrimSpace(item.ID)
		}
		if callID == "" {
			fallbackSeq++
			callID = fmt.Sprintf("openai_call_%d", fallbackSeq)
		}
		if seen[callID] {
			continue
		}
		seen[callID] = true
		if !emit(StreamEvent{Kind: EventToolCallStart, ToolCall: &PartialToolCall{
			ID:   callID,
			Name: strings.TrimSpace(item.Name),
		}}) {
			return ctx.Err()
		}
		if raw := strings.TrimSpace(item.Arguments); raw != "" {
			if !emit(StreamEvent{Kind: EventToolCallDelta, ToolCall: &PartialToolCall{
				ID:        callID,
				ArgsDelta: raw,
			}}) {
				return ctx.Err()
			}
		}
	}

	// Some gateways never send output_text.delta; recover the text from the
	// completed response instead.
	if !sawText {
		if txt := openAIResponseText(completed); txt != "" {
			if !emit(StreamEvent{Kind: EventTextDelta, Text: txt}) {
				return ctx.Err()
			}
		}
	}

	if id := strings.TrimSpace(completed.ID); id != "" {
		if !emit(StreamEvent{Kind: EventResponseID, ResponseID: id}) {
			return ctx.Err()
		}
	}
	if !emit(StreamEvent{Kind: EventUsage, Usage: &Usage{
		InputTokens:     completed.Usage.InputTokens,
		OutputTokens:    completed.Usage.OutputTokens,
		ReasoningTokens: completed.Usage.OutputTokensDetails.ReasoningTokens,
	}}) {
		return ctx.Err()
	}
	return nil
}

func openAIResponseText(resp oresponses.Response) string {
	var sb strings.Builder
	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) != "message" {
			continue
		}
		msg := item.AsMessage()
		for _, part := range msg.Content {
			if strings.TrimSpace(part.Type) != "output_text" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(strings.TrimSpace(part.Text))
		}
	}
	return sb.String()
}

// buildOpenAIInput converts flat history rows into Responses API input
// items. Thinking rows never become input; server-side reasoning state is
// chained with previous_response_id instead.
func buildOpenAIInput(messages []turn.Message, includeAssistantOutputMessages bool) (oresponses.ResponseInputParam, string) {
	items := make(oresponses.ResponseInputParam, 0, len(messages)+2)
	instructions := ""
	assistantMsgSeq := 0
	for _, msg := range messages {
		switch msg.Role {
		case turn.RoleSystem:
			txt := strings.TrimSpace(msg.Content)
			if txt == "" {
				continue
			}
			if instructions == "" {
				instructions = txt
			} else {
				instructions += "\n\n" + txt
			}
		case turn.RoleUser:
			if txt := strings.TrimSpace(msg.Content); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleUser))
			}
		case turn.RoleToolResult:
			callID := strings.TrimSpace(msg.ToolCallID)
			if callID == "" {
				continue
			}
			items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(callID, msg.Content))
		case turn.RoleToolUse:
			callID := strings.TrimSpace(msg.ToolCallID)
			name := strings.TrimSpace(msg.ToolName)
			if callID == "" || name == "" {
				continue
			}
			argsRaw := strings.TrimSpace(msg.Content)
			if argsRaw == "" || !json.Valid([]byte(argsRaw)) {
				argsRaw = "{}"
			}
			items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(argsRaw, callID, name))
		case turn.RoleAssistant:
			txt := strings.TrimSpace(msg.Content)
			if txt == "" {
				continue
			}
			if !includeAssistantOutputMessages {
				// Compatible gateways often reject output message items;
				// replay assistant text as a plain input message instead.
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleAssistant))
				continue
			}
			assistantMsgSeq++
			// Output message IDs must start with "msg_".
			msgID := fmt.Sprintf("msg_hist%d", assistantMsgSeq)
			content := []oresponses.ResponseOutputMessageContentUnionParam{{
				OfOutputText: &oresponses.ResponseOutputTextParam{
					Text:        txt,
					Annotations: []oresponses.ResponseOutputTextAnnotationUnionParam{},
				},
			}}
			items = append(items, oresponses.ResponseInputItemParamOfOutputMessage(content, msgID, oresponses.ResponseOutputMessageStatusCompleted))
		}
	}
	return items, instructions
}

func buildOpenAITools(defs []ToolDef, strict bool) []oresponses.ToolUnionParam {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		schema := map[string]any{}
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schema)
		}
		out = append(out, oresponses.ToolParamOfFunction(name, schema, strict))
	}
	return out
}

func shouldUseStrictToolSchema(providerType string, baseURL string) bool {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	if providerType == "openai_compatible" {
		// Compatible gateways vary widely in strict function schema
		// support; disable strict mode for them.
		return false
	}
	if providerType != "openai" {
		return true
	}
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return true
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(strings.TrimSpace(u.Hostname()))
	// Strict mode is known-good only on official OpenAI domains.
	return host == "api.openai.com"
}
