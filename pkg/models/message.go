package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a transcript message.
type Role string

const (
	// RoleUser marks a message written by the human caller.
	RoleUser Role = "user"

	// RoleAssistant marks a message produced by the model.
	RoleAssistant Role = "assistant"

	// RoleSystem marks runtime-generated messages (prompts, summaries, tool results).
	RoleSystem Role = "system"

	// RoleTool marks a message carrying a tool execution result.
	RoleTool Role = "tool"
)

// Message is one entry of a session transcript. Messages are append-only on
// disk: once a line is flushed to the transcript it is never rewritten.
type Message struct {
	// ID is the unique identifier assigned when the message is appended.
	ID string `json:"id"`

	// Role is the message author.
	Role Role `json:"role"`

	// Content is the textual payload.
	Content string `json:"content"`

	// Timestamp is when the message was appended.
	Timestamp time.Time `json:"timestamp"`

	// Metadata carries the recognised optional annotations.
	Metadata *MessageMetadata `json:"metadata,omitempty"`
}

// MessageMetadata holds the recognised metadata keys for a transcript message.
// All fields are optional; absent fields are omitted from the JSON encoding.
type MessageMetadata struct {
	// ToolCalls lists tool invocations issued by an assistant turn.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`

	// ToolCallID correlates a tool-result message with the originating call.
	ToolCallID string `json:"toolCallId,omitempty"`

	// ToolName is the tool that produced a tool-result message.
	ToolName string `json:"toolName,omitempty"`

	// DurationMS is the tool execution time in milliseconds.
	DurationMS int64 `json:"duration,omitempty"`

	// ToolResult marks the message as a tool-result message.
	ToolResult bool `json:"toolResult,omitempty"`

	// Usage carries token counters reported by the model.
	Usage *Usage `json:"usage,omitempty"`

	// Type tags special messages; "compaction_summary" for compactor output.
	Type string `json:"type,omitempty"`

	// Method records how a compaction summary was produced ("llm" or "local").
	Method string `json:"method,omitempty"`

	// Pruned marks a tool-result whose content was replaced by a placeholder.
	Pruned bool `json:"pruned,omitempty"`

	// OriginalLength is the content length before pruning.
	OriginalLength int `json:"originalLength,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Metadata != nil {
		meta := *m.Metadata
		if m.Metadata.ToolCalls != nil {
			meta.ToolCalls = make([]ToolCall, len(m.Metadata.ToolCalls))
			copy(meta.ToolCalls, m.Metadata.ToolCalls)
		}
		if m.Metadata.Usage != nil {
			usage := *m.Metadata.Usage
			meta.Usage = &usage
		}
		out.Metadata = &meta
	}
	return out
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID correlates the call with its result.
	ID string `json:"id"`

	// Name is the tool name.
	Name string `json:"name"`

	// Arguments is the opaque JSON argument payload.
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	// ToolCallID is the ID of the originating call.
	ToolCallID string `json:"toolCallId"`

	// Name is the tool that ran.
	Name string `json:"name"`

	// Result is the opaque result value; nil when Error is set.
	Result any `json:"result,omitempty"`

	// Error describes a failed execution.
	Error string `json:"error,omitempty"`

	// Duration is how long the tool ran.
	Duration time.Duration `json:"duration"`
}

// Usage accumulates token counters reported by the model.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Add accumulates another usage report into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}
