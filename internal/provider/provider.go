// Package provider adapts the Anthropic and OpenAI streaming SDKs into the
// bounded event-channel model the engine polls.
//
// Adapters run the SDK iterator on their own goroutine and block when the
// channel is full, so backpressure reaches the SDK instead of dropping
// events. The channel is closed after a terminal done or error event; a
// close without a terminal event means the stream was cancelled or lost.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/floegence/agentloop/internal/turn"
)

// EventChannelCapacity bounds the per-turn stream event channel.
const EventChannelCapacity = 1024

// EventKind is the normalized stream event kind produced by adapters.
type EventKind string

const (
	EventTextDelta         EventKind = "text_delta"
	EventThinkingDelta     EventKind = "thinking_delta"
	EventThinkingSignature EventKind = "thinking_signature"
	EventReasoningDone     EventKind = "reasoning_done"
	EventResponseID        EventKind = "response_id"
	EventToolCallStart     EventKind = "tool_call_start"
	EventToolCallDelta     EventKind = "tool_call_delta"
	EventUsage             EventKind = "usage"
	EventDone              EventKind = "done"
	EventError             EventKind = "error"
)

// PartialToolCall is one streaming tool-call fragment.
type PartialToolCall struct {
	ID        string
	Name      string // set on tool_call_start
	ArgsDelta string // set on tool_call_delta
	// Signature carries replay metadata some providers attach to the
	// call itself. Opaque to the engine.
	Signature string
}

// ReasoningItem is one opaque OpenAI reasoning block. Items are replayable
// only as a unit; the engine treats the list as the turn's replay state.
type ReasoningItem struct {
	ID               string
	Summary          string
	EncryptedContent string
}

type Usage struct {
	InputTokens     int64
	OutputTokens    int64
	ReasoningTokens int64
}

func (u *Usage) Merge(delta Usage) {
	if u == nil {
		return
	}
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.ReasoningTokens += delta.ReasoningTokens
}

// StreamEvent is one normalized provider event.
type StreamEvent struct {
	Kind EventKind

	// Text carries the payload for text_delta, thinking_delta, and
	// thinking_signature events.
	Text string

	ResponseID string
	Reasoning  *ReasoningItem
	ToolCall   *PartialToolCall
	Usage      *Usage

	// ErrText is the raw provider error for error events. Untrusted;
	// callers sanitize before displaying or persisting it.
	ErrText string
}

// ToolDef is the provider-facing tool definition.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request describes one streaming turn.
type Request struct {
	Model    string
	Messages []turn.Message
	Tools    []ToolDef

	MaxOutputTokens      int64
	ThinkingBudgetTokens int64

	// PreviousResponseID chains OpenAI requests so server-side reasoning
	// state survives across tool loops. Ignored by Anthropic.
	PreviousResponseID string
}

// CancelFunc aborts the in-flight stream. Safe to call more than once.
type CancelFunc func()

// Streamer starts provider turns.
type Streamer interface {
	StartStream(ctx context.Context, req Request) (<-chan StreamEvent, CancelFunc, error)
}

// New builds a Streamer for the configured provider type.
func New(providerType string, baseURL string, apiKey string) (Streamer, error) {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	switch providerType {
	case "anthropic":
		return newAnthropicStreamer(apiKey, baseURL), nil
	case "openai", "openai_compatible":
		return newOpenAIStreamer(apiKey, baseURL, shouldUseStrictToolSchema(providerType, baseURL)), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

// startEventStream runs produce on its own goroutine. The emit callback
// blocks until the event is delivered or ctx ends, returning false in the
// latter case. produce's error becomes a terminal error event, nil becomes
// done; either way the channel is closed afterwards.
func startEventStream(ctx context.Context, produce func(ctx context.Context, emit func(StreamEvent) bool) error) (<-chan StreamEvent, CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan StreamEvent, EventChannelCapacity)
	emit := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(ch)
		err := produce(ctx, emit)
		if ctx.Err() != nil {
			// Cancelled: the consumer has moved on, no terminal event.
			return
		}
		if err != nil {
			emit(StreamEvent{Kind: EventError, ErrText: err.Error()})
			return
		}
		emit(StreamEvent{Kind: EventDone})
	}()
	return ch, CancelFunc(cancel)
}

func toStringSlice(raw any) ([]string, bool) {
	switch v := raw.(type) {
	case []string:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s := strings.TrimSpace(item)
			if s != "" {
				out = append(out, s)
			}
		}
		return out, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, _ := item.(string)
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}
