// Package providers defines the model-call contract consumed by the loop and
// hosts the concrete provider adapters.
package providers

import (
	"context"

	"github.com/wardenhq/warden/internal/tools"
	"github.com/wardenhq/warden/pkg/models"
)

// ChatMessage is one turn of the conversation sent to the model.
type ChatMessage struct {
	// Role is user, assistant, system, or tool.
	Role models.Role

	// Content is the textual payload.
	Content string

	// ToolCalls are tool invocations issued by a prior assistant turn.
	ToolCalls []models.ToolCall

	// ToolCallID marks the message as the result of that tool call.
	ToolCallID string
}

// ChatRequest is one model call.
type ChatRequest struct {
	// SystemPrompt is sent separately from the conversation.
	SystemPrompt string

	// Messages is the conversation so far.
	Messages []ChatMessage

	// Tools are the definitions the model may call.
	Tools []tools.Definition
}

// ChatResponse is the model's reply.
type ChatResponse struct {
	// Content is the textual answer; empty when the model only calls tools.
	Content string

	// ToolCalls are the tool invocations the model requested.
	ToolCalls []models.ToolCall

	// Usage reports token consumption for this call.
	Usage *models.Usage
}

// LLMHandler performs model calls. Implementations must be idempotent under
// retry: a transient failure may cause the same request to be sent again.
type LLMHandler interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}
