package loop

import (
	"context"
	"fmt"
	"strings"

	"github.com/wardenhq/warden/internal/compaction"
	"github.com/wardenhq/warden/internal/providers"
	"github.com/wardenhq/warden/pkg/models"
)

// ModelSummarizer produces compaction summaries through the configured model.
// Any failure makes the compactor fall back to its local summarizer.
type ModelSummarizer struct {
	LLM providers.LLMHandler
}

var _ compaction.Summarizer = (*ModelSummarizer)(nil)

// Summarize asks the model for a compact summary of the messages.
func (s *ModelSummarizer) Summarize(ctx context.Context, messages []models.Message, tokenBudget int) (string, error) {
	if s.LLM == nil {
		return "", models.NewError(models.CodeInvalidInput, "no llm handler configured")
	}

	var sb strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
	}

	prompt := fmt.Sprintf(
		"Summarize the following conversation in at most %d tokens. "+
			"Keep decisions, action items, and open questions.", tokenBudget)

	response, err := s.LLM.Chat(ctx, providers.ChatRequest{
		SystemPrompt: prompt,
		Messages: []providers.ChatMessage{{
			Role:    models.RoleUser,
			Content: sb.String(),
		}},
	})
	if err != nil {
		return "", err
	}
	return response.Content, nil
}
