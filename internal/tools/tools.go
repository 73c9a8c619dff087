// Package tools defines the tool execution surface: call and result
// values, the executor capability interface, the registry with schema
// validation, and the approval policy.
package tools

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"
)

// Call is one tool invocation requested by the model.
type Call struct {
	ID   string
	Name string
	// Args is the raw JSON argument object. Callers guarantee it is a
	// valid JSON value; malformed model output is pre-resolved to an
	// error result before a Call is built.
	Args json.RawMessage
	// Signature carries provider replay metadata attached to the call,
	// opaque to this package.
	Signature string
}

// Result is the outcome of one call. A batch's results are ordered like
// the originating call array regardless of approval or execution order.
type Result struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

func SuccessResult(callID, name, content string) Result {
	return Result{CallID: callID, Name: name, Content: content}
}

func ErrorResult(callID, name, content string) Result {
	return Result{CallID: callID, Name: name, Content: content, IsError: true}
}

// EventKind discriminates Event values.
type EventKind string

const (
	EventStarted        EventKind = "started"
	EventStdoutChunk    EventKind = "stdout_chunk"
	EventStderrChunk    EventKind = "stderr_chunk"
	EventProcessSpawned EventKind = "process_spawned"
	EventCompleted      EventKind = "completed"
)

// Event is a progress notification emitted by a running executor.
type Event struct {
	Kind   EventKind
	CallID string
	Chunk  string

	// Pid and ProcessStartedAtUnixMs are set on EventProcessSpawned,
	// emitted before the executor waits on the process. Recording them
	// first is what makes orphan detection after a crash possible.
	Pid                    int
	ProcessStartedAtUnixMs int64
}

// ApprovalRequirement is a tool's own stance on interactive confirmation,
// combined with the session Policy by the caller.
type ApprovalRequirement string

const (
	ApprovalNever  ApprovalRequirement = "never"
	ApprovalAlways ApprovalRequirement = "always"
)

// EffectProfile classifies what a call touches, given its arguments.
type EffectProfile int

const (
	EffectPure EffectProfile = iota
	EffectReadsUserData
	EffectSideEffecting
	EffectSideEffectingAndReadsUserData
)

// Risky reports whether the profile reads user data or has side effects.
func (e EffectProfile) Risky() bool { return e != EffectPure }

// Request carries per-call execution context into an executor.
type Request struct {
	CallID     string
	Args       json.RawMessage
	WorkingDir string
	// MaxOutputBytes caps how much output the executor collects. The
	// caller applies the final truncation marker.
	MaxOutputBytes int
	// Events receives progress and process metadata while the executor
	// runs. May be nil.
	Events chan<- Event
}

// Emit delivers ev without blocking. Events are dropped when the channel
// is full or absent; executors never stall on a slow consumer.
func (r Request) Emit(ev Event) {
	if r.Events == nil {
		return
	}
	select {
	case r.Events <- ev:
	default:
	}
}

// Executor is one registered tool capability.
type Executor interface {
	Name() string
	Description() string
	// Schema is the JSON Schema for the tool's argument object, also
	// sent to providers as the tool definition.
	Schema() json.RawMessage
	// Approval reports whether the tool always requires interactive
	// confirmation regardless of policy mode.
	Approval() ApprovalRequirement
	Effect(args json.RawMessage) EffectProfile
	// Summary renders a short human-readable description of the call
	// for the approval prompt.
	Summary(args json.RawMessage) (string, error)
	// Timeout is the per-tool execution deadline. Zero means the
	// caller's default applies.
	Timeout() time.Duration
	Execute(ctx context.Context, req Request) (string, error)
}

// TruncateOutput caps output at max bytes, replacing the tail with a
// truncation marker. Cuts on a rune boundary.
func TruncateOutput(output string, max int) string {
	if len(output) <= max {
		return output
	}
	const marker = "\n\n... [output truncated]"
	if max <= len(marker) {
		return marker[:max]
	}
	end := max - len(marker)
	for end > 0 && !utf8.RuneStart(output[end]) {
		end--
	}
	return output[:end] + marker
}
