package loop

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wardenhq/warden/internal/providers"
	"github.com/wardenhq/warden/internal/retry"
	"github.com/wardenhq/warden/pkg/models"
)

// MaxIterationsResponse is returned verbatim when the tool loop hits its
// iteration cap without producing final text.
const MaxIterationsResponse = "[Max tool iterations reached]"

// ExecuteOutput is the outcome of the model/tool loop.
type ExecuteOutput struct {
	// Response is the final textual reply.
	Response string

	// ToolCalls are every tool invocation the model requested this turn.
	ToolCalls []models.ToolCall

	// ToolResults are the corresponding execution results, in call order.
	ToolResults []models.ToolResult

	// Usage is the accumulated token usage across all model calls.
	Usage models.Usage

	// Aborted reports cancellation via the turn's context.
	Aborted bool

	// Iterations is how many model calls were made.
	Iterations int

	// Errors lists execution failures.
	Errors []error
}

// fatal reports that the turn produced no usable response.
func (o *ExecuteOutput) fatal() bool {
	return len(o.Errors) > 0 && o.Response == ""
}

// execute drives the model until it stops requesting tools, a limit is hit,
// or the turn is cancelled. The abort signal is checked before every model
// call and before every tool invocation.
func (r *Runner) execute(ctx context.Context, intake IntakeOutput, assembled ContextOutput, input Input) ExecuteOutput {
	var out ExecuteOutput
	start := time.Now()

	messages := toChatMessages(assembled.History)
	messages = append(messages, providers.ChatMessage{
		Role:    models.RoleUser,
		Content: input.Message,
	})

	for iteration := 1; iteration <= r.config.MaxToolIterations; iteration++ {
		if ctx.Err() != nil {
			out.Aborted = true
			return out
		}
		if time.Since(start) > r.config.ExecutionTimeout {
			out.Errors = append(out.Errors, models.Errorf(models.CodeExecutionTimeout,
				"turn exceeded execution timeout %s", r.config.ExecutionTimeout))
			return out
		}

		out.Iterations = iteration
		r.publish(intake, models.Event{
			Type: models.EventLLMStart,
			LLM:  &models.LLMEventPayload{Iteration: iteration},
		})

		llmStart := time.Now()
		response, err := retry.DoValue(ctx, r.retries, "llm-chat", func() (providers.ChatResponse, error) {
			return r.llm.Chat(ctx, providers.ChatRequest{
				SystemPrompt: assembled.SystemPrompt,
				Messages:     messages,
				Tools:        assembled.Tools,
			})
		})
		if r.metrics != nil {
			r.metrics.LLMRequestDuration.WithLabelValues(r.model).
				Observe(time.Since(llmStart).Seconds())
		}
		if err != nil {
			if ctx.Err() != nil {
				out.Aborted = true
				return out
			}
			out.Errors = append(out.Errors, err)
			return out
		}

		if response.Usage != nil {
			out.Usage.Add(*response.Usage)
			if r.metrics != nil {
				r.metrics.LLMTokensUsed.WithLabelValues(r.model, "input").
					Add(float64(response.Usage.InputTokens))
				r.metrics.LLMTokensUsed.WithLabelValues(r.model, "output").
					Add(float64(response.Usage.OutputTokens))
			}
		}
		r.publish(intake, models.Event{
			Type: models.EventLLMEnd,
			LLM: &models.LLMEventPayload{
				Iteration:    iteration,
				HasToolCalls: len(response.ToolCalls) > 0,
				Usage:        response.Usage,
			},
		})

		if len(response.ToolCalls) == 0 {
			out.Response = response.Content
			return out
		}

		messages = append(messages, providers.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})
		out.ToolCalls = append(out.ToolCalls, response.ToolCalls...)

		for _, call := range response.ToolCalls {
			if ctx.Err() != nil {
				out.Aborted = true
				return out
			}
			result := r.runTool(ctx, intake, call)
			out.ToolResults = append(out.ToolResults, result)
			messages = append(messages, providers.ChatMessage{
				Role:       models.RoleTool,
				Content:    toolResultContent(result),
				ToolCallID: call.ID,
			})
		}
	}

	out.Response = MaxIterationsResponse
	out.Errors = append(out.Errors, models.Errorf(models.CodeMaxIterations,
		"tool loop hit the iteration cap (%d)", r.config.MaxToolIterations))
	return out
}

// runTool executes one call with events and metrics around it.
func (r *Runner) runTool(ctx context.Context, intake IntakeOutput, call models.ToolCall) models.ToolResult {
	r.publish(intake, models.Event{
		Type: models.EventToolStart,
		Tool: &models.ToolEventPayload{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Arguments:  string(call.Arguments),
		},
	})

	result := r.tools.Execute(ctx, call, intake.AgentDef.Scope, r.config.ToolTimeout)

	status := "success"
	if result.Error != "" {
		status = "error"
	}
	if r.metrics != nil {
		r.metrics.ToolExecutions.WithLabelValues(call.Name, status).Inc()
		r.metrics.ToolDuration.WithLabelValues(call.Name).Observe(result.Duration.Seconds())
	}
	r.publish(intake, models.Event{
		Type: models.EventToolEnd,
		Tool: &models.ToolEventPayload{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Duration:   result.Duration,
			Success:    result.Error == "",
			Error:      result.Error,
		},
	})
	return result
}

// toolResultContent renders a tool result for the model: the JSON-encoded
// value on success, "Error: …" on failure.
func toolResultContent(result models.ToolResult) string {
	if result.Error != "" {
		return "Error: " + result.Error
	}
	encoded, err := json.Marshal(result.Result)
	if err != nil {
		return "Error: " + err.Error()
	}
	return string(encoded)
}

// toChatMessages maps transcript messages to provider turns.
func toChatMessages(history []models.Message) []providers.ChatMessage {
	out := make([]providers.ChatMessage, 0, len(history))
	for _, msg := range history {
		chat := providers.ChatMessage{Role: msg.Role, Content: msg.Content}
		if msg.Metadata != nil {
			chat.ToolCalls = msg.Metadata.ToolCalls
			chat.ToolCallID = msg.Metadata.ToolCallID
		}
		out = append(out, chat)
	}
	return out
}
