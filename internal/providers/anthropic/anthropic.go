// Package anthropic adapts the Anthropic Messages API to the runtime's
// LLMHandler contract.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/wardenhq/warden/internal/providers"
	"github.com/wardenhq/warden/internal/tools"
	"github.com/wardenhq/warden/pkg/models"
)

const (
	// DefaultModel is used when Config.Model is empty.
	DefaultModel = "claude-sonnet-4-20250514"

	// DefaultMaxTokens bounds the model's reply length.
	DefaultMaxTokens = 4096
)

// Config configures the Anthropic handler.
type Config struct {
	// APIKey authenticates against the Anthropic API. Required.
	APIKey string

	// Model selects the model; empty uses DefaultModel.
	Model string

	// MaxTokens bounds the reply length; zero uses DefaultMaxTokens.
	MaxTokens int

	// BaseURL overrides the API endpoint, for testing.
	BaseURL string
}

// Handler is a non-streaming LLMHandler over the Anthropic SDK.
// Handler is stateless per call and therefore idempotent under retry.
type Handler struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// New creates a handler.
func New(config Config) (*Handler, error) {
	if config.APIKey == "" {
		return nil, models.NewError(models.CodeAuthenticationFailed, "anthropic api key is required")
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	model := config.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	return &Handler{
		client:    anthropic.NewClient(options...),
		model:     model,
		maxTokens: int64(maxTokens),
	}, nil
}

// Chat sends one non-streaming Messages request.
func (h *Handler) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return providers.ChatResponse{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(h.model),
		Messages:  messages,
		MaxTokens: h.maxTokens,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.SystemPrompt}}
	}
	if len(req.Tools) > 0 {
		converted, err := convertTools(req.Tools)
		if err != nil {
			return providers.ChatResponse{}, err
		}
		params.Tools = converted
	}

	message, err := h.client.Messages.New(ctx, params)
	if err != nil {
		return providers.ChatResponse{}, classifyError(err)
	}

	var response providers.ChatResponse
	var text strings.Builder
	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			response.ToolCalls = append(response.ToolCalls, models.ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: json.RawMessage(variant.Input),
			})
		}
	}
	response.Content = text.String()
	response.Usage = &models.Usage{
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
		TotalTokens:  int(message.Usage.InputTokens + message.Usage.OutputTokens),
	}
	return response, nil
}

// convertMessages maps conversation turns to Anthropic message params.
// System turns are skipped: the caller folds them into the system prompt,
// except tool-result turns, which become user tool_result blocks.
func convertMessages(messages []providers.ChatMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		if msg.ToolCallID != "" {
			content = append(content, anthropic.NewToolResultBlock(
				msg.ToolCallID, msg.Content, strings.HasPrefix(msg.Content, "Error:")))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}
		if msg.Role == models.RoleSystem {
			continue
		}

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(call.Arguments, &input); err != nil {
				return nil, models.WrapError(models.CodeInvalidInput,
					fmt.Sprintf("invalid arguments for tool call %s", call.ID), err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

// convertTools maps registry definitions to Anthropic tool params.
func convertTools(defs []tools.Definition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
			return nil, models.WrapError(models.CodeInvalidInput,
				fmt.Sprintf("invalid schema for tool %s", def.Name), err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if param.OfTool == nil {
			return nil, models.Errorf(models.CodeInvalidInput, "invalid tool definition %s", def.Name)
		}
		param.OfTool.Description = anthropic.String(def.Description)
		result = append(result, param)
	}
	return result, nil
}

// classifyError tags SDK errors with the runtime's error taxonomy.
func classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return models.WrapError(models.CodeAuthenticationFailed, "anthropic rejected credentials", err)
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return models.WrapError(models.CodeInvalidInput, "anthropic rejected request", err)
		}
	}
	return models.WrapError(models.CodeLLMTransient, "anthropic request failed", err)
}
