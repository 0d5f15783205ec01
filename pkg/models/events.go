package models

import "time"

// EventType identifies a runtime event variant.
type EventType string

const (
	// EventLoopStart is emitted when a turn enters INTAKE.
	EventLoopStart EventType = "loop:start"

	// EventLoopContext is emitted after CONTEXT assembly.
	EventLoopContext EventType = "loop:context"

	// EventLoopExecute is emitted after EXECUTE completes.
	EventLoopExecute EventType = "loop:execute"

	// EventLoopPersist is emitted after PERSIST completes.
	EventLoopPersist EventType = "loop:persist"

	// EventLoopEnd is emitted when the turn finishes.
	EventLoopEnd EventType = "loop:end"

	// EventLoopError is emitted when a stage fails fatally.
	EventLoopError EventType = "loop:error"

	// EventToolStart is emitted before a tool call executes.
	EventToolStart EventType = "tool:start"

	// EventToolEnd is emitted after a tool call completes.
	EventToolEnd EventType = "tool:end"

	// EventLLMStart is emitted before each model call.
	EventLLMStart EventType = "llm:start"

	// EventLLMEnd is emitted after each model call.
	EventLLMEnd EventType = "llm:end"

	// EventMemoryRead is emitted when the memory document is loaded.
	EventMemoryRead EventType = "memory:read"

	// EventMemoryWrite is emitted when a memory section is written.
	EventMemoryWrite EventType = "memory:write"

	// EventMemoryFlush is emitted when accumulated updates are flushed.
	EventMemoryFlush EventType = "memory:flush"

	// EventMemoryCompact is emitted when a transcript is compacted.
	EventMemoryCompact EventType = "memory:compact"

	// EventRetryAttempt is emitted by the retry manager per failed attempt.
	EventRetryAttempt EventType = "retry:attempt"

	// EventRetryEscalated is emitted when retries are exhausted.
	EventRetryEscalated EventType = "retry:escalated"
)

// Event is one observability record. Every event carries the run/session/agent
// correlation fields; the payload pointers are populated per type.
type Event struct {
	// Type is the event variant.
	Type EventType `json:"type"`

	// RunID identifies the loop run that emitted the event.
	RunID string `json:"runId,omitempty"`

	// SessionID identifies the session in play.
	SessionID string `json:"sessionId,omitempty"`

	// AgentID identifies the agent in play.
	AgentID string `json:"agentId,omitempty"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// Loop carries loop-stage fields.
	Loop *LoopEventPayload `json:"loop,omitempty"`

	// Tool carries tool execution fields.
	Tool *ToolEventPayload `json:"tool,omitempty"`

	// LLM carries model call fields.
	LLM *LLMEventPayload `json:"llm,omitempty"`

	// Memory carries memory store / compactor fields.
	Memory *MemoryEventPayload `json:"memory,omitempty"`

	// Retry carries retry manager fields.
	Retry *RetryEventPayload `json:"retry,omitempty"`

	// Error carries failure fields.
	Error *ErrorEventPayload `json:"error,omitempty"`
}

// LoopEventPayload carries per-stage loop diagnostics.
type LoopEventPayload struct {
	Message           string        `json:"message,omitempty"`
	TokenEstimate     int           `json:"tokenEstimate,omitempty"`
	HistoryLength     int           `json:"historyLength,omitempty"`
	NeedsCompaction   bool          `json:"needsCompaction,omitempty"`
	NeedsFlush        bool          `json:"needsFlush,omitempty"`
	ToolCallCount     int           `json:"toolCallCount,omitempty"`
	Usage             *Usage        `json:"usage,omitempty"`
	TranscriptUpdated bool          `json:"transcriptUpdated,omitempty"`
	SessionUpdated    bool          `json:"sessionUpdated,omitempty"`
	MemoryUpdated     bool          `json:"memoryUpdated,omitempty"`
	LockReleased      bool          `json:"lockReleased,omitempty"`
	Success           bool          `json:"success,omitempty"`
	Duration          time.Duration `json:"duration,omitempty"`
}

// ToolEventPayload carries tool execution diagnostics.
type ToolEventPayload struct {
	ToolCallID string        `json:"toolCallId"`
	ToolName   string        `json:"toolName"`
	Arguments  string        `json:"arguments,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Success    bool          `json:"success,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// LLMEventPayload carries model call diagnostics.
type LLMEventPayload struct {
	Iteration    int    `json:"iteration"`
	HasToolCalls bool   `json:"hasToolCalls,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// MemoryEventPayload carries memory store and compactor diagnostics.
type MemoryEventPayload struct {
	MemoryPath     string `json:"memoryPath,omitempty"`
	Section        string `json:"section,omitempty"`
	SectionCount   int    `json:"sectionCount,omitempty"`
	TotalSize      int    `json:"totalSize,omitempty"`
	SizeUsed       int    `json:"sizeUsed,omitempty"`
	SizeLimit      int    `json:"sizeLimit,omitempty"`
	Truncated      bool   `json:"truncated,omitempty"`
	Success        bool   `json:"success,omitempty"`
	Reason         string `json:"reason,omitempty"`
	UpdatesCount   int    `json:"updatesCount,omitempty"`
	NoReply        bool   `json:"noReply,omitempty"`
	OriginalCount  int    `json:"originalCount,omitempty"`
	CompactedCount int    `json:"compactedCount,omitempty"`
	TokensUsed     int    `json:"tokensUsed,omitempty"`
	Method         string `json:"method,omitempty"`
}

// RetryEventPayload carries retry manager diagnostics.
type RetryEventPayload struct {
	OperationID string        `json:"operationId"`
	Name        string        `json:"name,omitempty"`
	Attempt     int           `json:"attempt"`
	Delay       time.Duration `json:"delay,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// ErrorEventPayload carries failure diagnostics.
type ErrorEventPayload struct {
	Stage   string    `json:"stage,omitempty"`
	Message string    `json:"error"`
	Code    ErrorCode `json:"code,omitempty"`
}
