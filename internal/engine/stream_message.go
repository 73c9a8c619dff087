package engine

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/floegence/agentloop/internal/provider"
	"github.com/floegence/agentloop/internal/sanitize"
	"github.com/floegence/agentloop/internal/tools"
	"github.com/floegence/agentloop/internal/turn"
)

// StreamingMessage accumulates one assistant turn from provider events.
//
// Text and thinking deltas are applied under a per-poll byte budget:
// a single poll applies at most the budget of new bytes, the rest stays
// queued for the next poll. Backpressure, never loss. Tool-call arguments
// accumulate per call id under a byte cap; a call whose arguments would
// exceed the cap is marked exceeded and its later deltas are dropped.
type StreamingMessage struct {
	log   *slog.Logger
	model string

	maxArgsBytes  int
	budgetPerPoll int
	budgetLeft    int

	content strings.Builder

	// Signed thinking is kept verbatim: the provider validates the
	// signature against the exact bytes on replay. Only unsigned
	// thinking is sanitized before storage.
	thinkingBuf    strings.Builder
	sigBuf         strings.Builder
	thinkingBlocks []thinkingBlock
	sawThinking    bool

	reasoning []provider.ReasoningItem

	// unread* hold applied bytes the renderer has not taken yet.
	unreadText     strings.Builder
	unreadThinking strings.Builder

	pending []pendingDelta

	calls  []*callBuilder
	callBy map[string]*callBuilder

	responseID string
	usage      provider.Usage
}

type thinkingBlock struct {
	text      string
	signature string
}

type pendingDelta struct {
	thinking bool
	text     string
}

type callBuilder struct {
	id           string
	name         string
	args         strings.Builder
	argsExceeded bool
}

var emptyArgs = json.RawMessage("{}")

func newStreamingMessage(log *slog.Logger, model string, maxArgsBytes, budgetPerPoll int) *StreamingMessage {
	return &StreamingMessage{
		log:           log,
		model:         model,
		maxArgsBytes:  maxArgsBytes,
		budgetPerPoll: budgetPerPoll,
		callBy:        map[string]*callBuilder{},
	}
}

// beginPoll resets the text budget for one processing pass.
func (m *StreamingMessage) beginPoll() {
	m.budgetLeft = m.budgetPerPoll
}

func (m *StreamingMessage) hasPending() bool { return len(m.pending) > 0 }

// applyPending drains queued deltas up to the remaining budget. Order is
// preserved: a queued delta always lands before anything newer.
func (m *StreamingMessage) applyPending() {
	for len(m.pending) > 0 && m.budgetLeft > 0 {
		head := m.pending[0]
		n := len(head.text)
		if n <= m.budgetLeft {
			m.write(head.thinking, head.text)
			m.pending = m.pending[1:]
			continue
		}
		m.write(head.thinking, head.text[:m.budgetLeft])
		m.pending[0].text = head.text[m.budgetLeft:]
	}
}

// flushPending applies everything still queued, ignoring the budget. Used
// on terminal events where per-tick latency no longer matters.
func (m *StreamingMessage) flushPending() {
	for _, p := range m.pending {
		m.write(p.thinking, p.text)
	}
	m.pending = nil
}

// apply ingests one event. Terminal events (done, error) are handled by
// the caller; apply ignores them.
func (m *StreamingMessage) apply(ev provider.StreamEvent) {
	switch ev.Kind {
	case provider.EventTextDelta:
		m.applyText(false, ev.Text)
	case provider.EventThinkingDelta:
		m.sawThinking = true
		m.sealIfSigned()
		m.applyText(true, ev.Text)
	case provider.EventThinkingSignature:
		m.sigBuf.WriteString(ev.Text)
	case provider.EventReasoningDone:
		if ev.Reasoning != nil {
			m.reasoning = append(m.reasoning, *ev.Reasoning)
			if !m.sawThinking && ev.Reasoning.Summary != "" {
				m.applyText(true, ev.Reasoning.Summary)
			}
		}
	case provider.EventResponseID:
		m.responseID = ev.ResponseID
	case provider.EventToolCallStart:
		if ev.ToolCall != nil {
			m.startCall(ev.ToolCall.ID, ev.ToolCall.Name)
		}
	case provider.EventToolCallDelta:
		if ev.ToolCall != nil {
			m.appendCallArgs(ev.ToolCall.ID, ev.ToolCall.ArgsDelta)
		}
	case provider.EventUsage:
		if ev.Usage != nil {
			m.usage.Merge(*ev.Usage)
		}
	}
}

// sealIfSigned closes the current thinking block once its signature has
// arrived. New thinking text after a signature starts a fresh block.
func (m *StreamingMessage) sealIfSigned() {
	if m.sigBuf.Len() == 0 {
		return
	}
	m.thinkingBlocks = append(m.thinkingBlocks, thinkingBlock{
		text:      m.thinkingBuf.String(),
		signature: m.sigBuf.String(),
	})
	m.thinkingBuf.Reset()
	m.sigBuf.Reset()
}

func (m *StreamingMessage) applyText(thinking bool, s string) {
	if s == "" {
		return
	}
	// Anything behind a queued delta must queue too.
	if len(m.pending) > 0 || m.budgetLeft <= 0 {
		m.pending = append(m.pending, pendingDelta{thinking: thinking, text: s})
		return
	}
	if len(s) <= m.budgetLeft {
		m.write(thinking, s)
		return
	}
	m.write(thinking, s[:m.budgetLeft])
	m.pending = append(m.pending, pendingDelta{thinking: thinking, text: s[m.budgetLeft:]})
}

func (m *StreamingMessage) write(thinking bool, s string) {
	if thinking {
		m.thinkingBuf.WriteString(s)
		m.unreadThinking.WriteString(s)
	} else {
		m.content.WriteString(s)
		m.unreadText.WriteString(s)
	}
	m.budgetLeft -= len(s)
}

func (m *StreamingMessage) startCall(id, name string) {
	if id == "" {
		return
	}
	if _, ok := m.callBy[id]; ok {
		return
	}
	b := &callBuilder{id: id, name: name}
	m.calls = append(m.calls, b)
	m.callBy[id] = b
}

func (m *StreamingMessage) appendCallArgs(id, delta string) {
	b := m.callBy[id]
	if b == nil || delta == "" || b.argsExceeded {
		return
	}
	if b.args.Len()+len(delta) > m.maxArgsBytes {
		b.argsExceeded = true
		m.log.Warn("tool call arguments exceeded cap",
			"call_id", b.id, "tool", b.name, "cap_bytes", m.maxArgsBytes)
		return
	}
	b.args.WriteString(delta)
}

// argsWouldExceed reports whether appending n bytes to the call's
// arguments would cross the cap, or whether it already has. The engine
// uses this to skip journaling deltas the accumulator is going to drop.
func (m *StreamingMessage) argsWouldExceed(id string, n int) bool {
	b := m.callBy[id]
	if b == nil {
		return false
	}
	return b.argsExceeded || b.args.Len()+n > m.maxArgsBytes
}

// Content returns the applied assistant text so far.
func (m *StreamingMessage) Content() string { return m.content.String() }

// HasToolCalls reports whether any tool call was started.
func (m *StreamingMessage) HasToolCalls() bool { return len(m.calls) > 0 }

// ResponseID returns the provider response id, empty when none arrived.
func (m *StreamingMessage) ResponseID() string { return m.responseID }

// Usage returns the merged token usage reported by the provider.
func (m *StreamingMessage) Usage() provider.Usage { return m.usage }

// TakeNewText returns applied assistant text not yet handed to the
// renderer and marks it read.
func (m *StreamingMessage) TakeNewText() string {
	s := m.unreadText.String()
	m.unreadText.Reset()
	return s
}

// TakeNewThinking returns applied thinking text not yet handed to the
// renderer and marks it read.
func (m *StreamingMessage) TakeNewThinking() string {
	s := m.unreadThinking.String()
	m.unreadThinking.Reset()
	return s
}

// TakeToolCalls finalizes the accumulated calls. Every started call id
// yields exactly one call: oversized arguments become an empty object plus
// a pre-resolved error result, unparseable arguments likewise, empty
// arguments become an empty object. A bad argument stream never blocks
// the batch and never drops a call.
func (m *StreamingMessage) TakeToolCalls() ([]tools.Call, []tools.Result) {
	if len(m.calls) == 0 {
		return nil, nil
	}
	calls := make([]tools.Call, 0, len(m.calls))
	var preResolved []tools.Result
	for _, b := range m.calls {
		call := tools.Call{ID: b.id, Name: b.name, Args: emptyArgs}
		switch {
		case b.argsExceeded:
			preResolved = append(preResolved,
				tools.ErrorResult(b.id, b.name, "Tool arguments exceeded maximum size"))
		case b.args.Len() == 0:
			// Empty object stands in for no arguments.
		default:
			raw := b.args.String()
			var obj map[string]any
			if err := json.Unmarshal([]byte(raw), &obj); err != nil {
				m.log.Warn("tool call arguments failed to parse",
					"call_id", b.id, "tool", b.name, "err", err)
				preResolved = append(preResolved,
					tools.ErrorResult(b.id, b.name, "Invalid tool arguments JSON"))
			} else {
				call.Args = json.RawMessage(raw)
			}
		}
		calls = append(calls, call)
	}
	return calls, preResolved
}

// IntoMessage converts the accumulated content into a durable assistant
// message. Content is sanitized first; an empty result is an error, the
// caller decides how to represent an empty turn.
func (m *StreamingMessage) IntoMessage() (turn.Message, error) {
	return turn.AssistantMessage(m.model, sanitize.Text(m.content.String()))
}

// ThinkingMessages returns the durable thinking rows for this turn, in
// block order. Signed blocks keep their exact bytes for replay; a trailing
// unsigned block is sanitized and stored for display only.
func (m *StreamingMessage) ThinkingMessages() []turn.Message {
	m.sealIfSigned()
	var out []turn.Message
	for _, b := range m.thinkingBlocks {
		if strings.TrimSpace(b.text) == "" {
			continue
		}
		out = append(out, turn.ThinkingMessageSigned(m.model, b.text, b.signature))
	}
	if rest := sanitize.Text(m.thinkingBuf.String()); strings.TrimSpace(rest) != "" {
		out = append(out, turn.ThinkingMessage(m.model, rest))
	}
	return out
}
