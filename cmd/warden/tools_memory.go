// tools_memory.go registers the built-in memory tools: the model reads and
// writes the agent's MEMORY.md through these during a turn.
package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/wardenhq/warden/internal/memory"
	"github.com/wardenhq/warden/internal/tools"
	"github.com/wardenhq/warden/pkg/models"
)

// memoryToolRegistry builds a registry bound to one agent directory.
func memoryToolRegistry(store *memory.Store, agentPath string, logger *slog.Logger) *tools.Registry {
	registry := tools.NewRegistry(logger)

	registry.Register(tools.Definition{
		Name:        "memory_read",
		Description: "Read a section of working memory, or the whole document when no section is given.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"section": {"type": "string", "description": "Section title; omit for the whole document"}
			}
		}`),
	}, func(_ context.Context, args json.RawMessage, _ string) (any, error) {
		var input struct {
			Section string `json:"section"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &input); err != nil {
				return nil, models.WrapError(models.CodeInvalidInput, "invalid memory_read arguments", err)
			}
		}
		content, titles, err := store.ReadSection(agentPath, input.Section)
		if err != nil {
			return nil, err
		}
		return map[string]any{"content": content, "sections": titles}, nil
	})

	registry.Register(tools.Definition{
		Name:        "memory_write",
		Description: "Write or append to a section of working memory. Writes are bounded by the memory limits.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"section": {"type": "string"},
				"content": {"type": "string"},
				"append": {"type": "boolean"}
			},
			"required": ["section", "content"]
		}`),
	}, func(_ context.Context, args json.RawMessage, _ string) (any, error) {
		var input struct {
			Section string `json:"section"`
			Content string `json:"content"`
			Append  bool   `json:"append"`
		}
		if err := json.Unmarshal(args, &input); err != nil {
			return nil, models.WrapError(models.CodeInvalidInput, "invalid memory_write arguments", err)
		}
		result, err := store.WriteSection(agentPath, input.Section, input.Content, memory.WriteOptions{
			Append:          input.Append,
			CreateIfMissing: true,
			EnforceLimits:   true,
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	})

	registry.Register(tools.Definition{
		Name:        "memory_stats",
		Description: "Report working memory size, section count, and proximity to the limits.",
		InputSchema: json.RawMessage(`{"type": "object"}`),
	}, func(_ context.Context, _ json.RawMessage, _ string) (any, error) {
		stats, err := store.GetStats(agentPath)
		if err != nil {
			return nil, err
		}
		check, err := store.CheckLimits(agentPath)
		if err != nil {
			return nil, err
		}
		return map[string]any{"stats": stats, "limits": check}, nil
	})

	return registry
}
