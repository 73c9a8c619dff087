package turn

import (
	"errors"
	"strings"
	"time"
)

// Role is the history-level message role.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleSystem     Role = "system"
	RoleThinking   Role = "thinking"
	RoleToolUse    Role = "tool_use"
	RoleToolResult Role = "tool_result"
)

// ErrEmptyContent is returned by constructors that reject empty (post-trim) content.
var ErrEmptyContent = errors.New("message content must not be empty")

// Message is one durable history entry.
//
// StepID is set only on the message that anchors a streaming turn in history;
// recovery uses it to decide whether a turn was already committed.
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	ModelName string `json:"model_name,omitempty"`

	// ToolCallID / ToolName are set for tool_use and tool_result entries.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	// Signature is provider replay metadata. Thinking blocks carry it so
	// they can be sent back to the provider verbatim; unsigned thinking
	// is never replayed.
	Signature string `json:"signature,omitempty"`

	StepID          StepID `json:"step_id,omitempty"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

func now() int64 { return time.Now().UnixMilli() }

func UserMessage(content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}
	return Message{Role: RoleUser, Content: content, CreatedAtUnixMs: now()}, nil
}

func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, CreatedAtUnixMs: now()}
}

func AssistantMessage(model string, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}
	return Message{
		Role:            RoleAssistant,
		Content:         content,
		ModelName:       strings.TrimSpace(model),
		CreatedAtUnixMs: now(),
	}, nil
}

func ThinkingMessage(model string, content string) Message {
	return Message{
		Role:            RoleThinking,
		Content:         content,
		ModelName:       strings.TrimSpace(model),
		CreatedAtUnixMs: now(),
	}
}

func ThinkingMessageSigned(model string, content string, signature string) Message {
	m := ThinkingMessage(model, content)
	m.Signature = strings.TrimSpace(signature)
	return m
}

func ToolUseMessage(callID string, toolName string, argsJSON string) Message {
	return Message{
		Role:            RoleToolUse,
		Content:         argsJSON,
		ToolCallID:      strings.TrimSpace(callID),
		ToolName:        strings.TrimSpace(toolName),
		CreatedAtUnixMs: now(),
	}
}

func ToolResultMessage(callID string, toolName string, content string, isError bool) Message {
	return Message{
		Role:            RoleToolResult,
		Content:         content,
		ToolCallID:      strings.TrimSpace(callID),
		ToolName:        strings.TrimSpace(toolName),
		IsError:         isError,
		CreatedAtUnixMs: now(),
	}
}
