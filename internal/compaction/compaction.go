// Package compaction shrinks long transcripts into a summary plus preserved
// messages so the context stays within its token budget. It implements token
// estimation, important-message detection, and a deterministic local
// summarizer with an optional LLM path.
package compaction

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/pkg/models"
)

const (
	// CharsPerToken is the approximate character-to-token ratio for estimation.
	CharsPerToken = 4

	// RoleOverheadTokens is the fixed per-message overhead added to estimates.
	RoleOverheadTokens = 4

	// MethodLLM marks a summary produced by the model.
	MethodLLM = "llm"

	// MethodLocal marks a summary produced by the deterministic summarizer.
	MethodLocal = "local"

	// MaxTopicWords bounds the topic list in a local summary.
	MaxTopicWords = 10
)

// importantMarkers flag messages that must survive compaction verbatim.
var importantMarkers = []string{
	"important", "remember", "note:", "key point", "critical",
	"decision:", "action:", "todo:", "agreed:", "confirmed:",
}

// Summarizer produces a summary of the given messages within a token budget.
// The loop wires the LLM handler in through this.
type Summarizer interface {
	Summarize(ctx context.Context, messages []models.Message, tokenBudget int) (string, error)
}

// Budget configures one compaction pass.
type Budget struct {
	// MaxTotalTokens is the estimated-token ceiling; under it, compaction
	// is a no-op.
	MaxTotalTokens int

	// SummaryBudget is the token budget for the produced summary.
	SummaryBudget int

	// PreserveRecent is how many trailing messages survive untouched.
	PreserveRecent int

	// PreserveImportant keeps marker-flagged messages verbatim.
	PreserveImportant bool

	// Summarizer, when set, produces the summary via the model; a failure
	// falls back to the local summarizer.
	Summarizer Summarizer
}

// Result reports a compaction pass.
type Result struct {
	// Messages is the compacted list; identical to the input when no
	// compaction was needed.
	Messages []models.Message

	// Compacted reports whether anything changed.
	Compacted bool

	// OriginalCount is the input message count.
	OriginalCount int

	// CompactedCount is the output message count.
	CompactedCount int

	// TokensUsed is the estimated token count of the output.
	TokensUsed int

	// Method is how the summary was produced ("llm" or "local").
	Method string
}

// EstimateTokens estimates tokens for one message: ceiling division of the
// content length by CharsPerToken, plus role overhead.
func EstimateTokens(msg models.Message) int {
	return (len(msg.Content)+CharsPerToken-1)/CharsPerToken + RoleOverheadTokens
}

// EstimateTotal estimates tokens across all messages.
func EstimateTotal(messages []models.Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateTokens(msg)
	}
	return total
}

// IsImportant reports whether the message carries an importance marker.
func IsImportant(msg models.Message) bool {
	content := strings.ToLower(msg.Content)
	for _, marker := range importantMarkers {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return false
}

// Compactor compacts transcripts and reports the outcome on the event bus.
type Compactor struct {
	bus *events.Bus
}

// NewCompactor creates a compactor. bus may be nil.
func NewCompactor(bus *events.Bus) *Compactor {
	return &Compactor{bus: bus}
}

// Compact applies the budget to the transcript. When the estimate is under
// budget the input is returned untouched. Otherwise everything but the last
// PreserveRecent messages is replaced by one summary system message, with
// important messages optionally preserved between summary and recent tail.
func (c *Compactor) Compact(ctx context.Context, messages []models.Message, budget Budget) (Result, error) {
	result := Result{
		Messages:      messages,
		OriginalCount: len(messages),
	}

	total := EstimateTotal(messages)
	if budget.MaxTotalTokens <= 0 || total <= budget.MaxTotalTokens {
		result.CompactedCount = len(messages)
		result.TokensUsed = total
		return result, nil
	}

	recent := budget.PreserveRecent
	if recent < 0 {
		recent = 0
	}
	if recent > len(messages) {
		recent = len(messages)
	}
	head := messages[:len(messages)-recent]
	tail := messages[len(messages)-recent:]

	var preserved []models.Message
	if budget.PreserveImportant {
		for _, msg := range head {
			if IsImportant(msg) {
				preserved = append(preserved, msg)
			}
		}
	}

	summary, method := c.summarize(ctx, head, budget)

	compacted := make([]models.Message, 0, 1+len(preserved)+len(tail))
	compacted = append(compacted, models.Message{
		Role:      models.RoleSystem,
		Content:   summary,
		Timestamp: time.Now(),
		Metadata: &models.MessageMetadata{
			Type:   "compaction_summary",
			Method: method,
		},
	})
	compacted = append(compacted, preserved...)
	compacted = append(compacted, tail...)

	result.Messages = compacted
	result.Compacted = true
	result.CompactedCount = len(compacted)
	result.TokensUsed = EstimateTotal(compacted)
	result.Method = method

	if c.bus != nil {
		c.bus.Publish(models.Event{
			Type: models.EventMemoryCompact,
			Memory: &models.MemoryEventPayload{
				OriginalCount:  result.OriginalCount,
				CompactedCount: result.CompactedCount,
				TokensUsed:     result.TokensUsed,
				Method:         method,
			},
		})
	}
	return result, nil
}

// summarize produces the summary text, preferring the LLM path.
func (c *Compactor) summarize(ctx context.Context, messages []models.Message, budget Budget) (string, string) {
	if budget.Summarizer != nil {
		summary, err := budget.Summarizer.Summarize(ctx, messages, budget.SummaryBudget)
		if err == nil && summary != "" {
			return summary, MethodLLM
		}
	}
	return LocalSummary(messages, budget.SummaryBudget), MethodLocal
}

// LocalSummary is the deterministic fallback summarizer: message counts,
// time range, key points, and frequent topic words. The same input always
// produces the same output.
func LocalSummary(messages []models.Message, tokenBudget int) string {
	if len(messages) == 0 {
		return "No prior conversation."
	}

	var users, assistants int
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			users++
		case models.RoleAssistant:
			assistants++
		}
	}

	var sb strings.Builder
	sb.WriteString("Conversation summary (compacted):\n")
	fmt.Fprintf(&sb, "- %d messages (%d user, %d assistant)\n", len(messages), users, assistants)

	first, last := messages[0].Timestamp, messages[len(messages)-1].Timestamp
	if !first.IsZero() && !last.IsZero() {
		fmt.Fprintf(&sb, "- From %s to %s\n",
			first.Format(time.RFC3339), last.Format(time.RFC3339))
	}

	var points []string
	for _, msg := range messages {
		if IsImportant(msg) {
			points = append(points, firstLine(msg.Content))
		}
	}
	if len(points) > 0 {
		sb.WriteString("- Key points:\n")
		for _, point := range points {
			sb.WriteString("  - ")
			sb.WriteString(point)
			sb.WriteString("\n")
		}
	}

	if topics := topicWords(messages); len(topics) > 0 {
		sb.WriteString("- Topics: ")
		sb.WriteString(strings.Join(topics, ", "))
		sb.WriteString("\n")
	}

	summary := sb.String()
	if tokenBudget > 0 {
		if limit := tokenBudget * CharsPerToken; len(summary) > limit {
			summary = truncateAtNewline(summary, limit)
		}
	}
	return summary
}

func firstLine(content string) string {
	line := content
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if len(line) > 120 {
		line = line[:120]
	}
	return line
}

// topicWords extracts up to MaxTopicWords frequent words of four letters or
// more, ordered by frequency then alphabetically.
func topicWords(messages []models.Message) []string {
	counts := make(map[string]int)
	for _, msg := range messages {
		for _, word := range strings.Fields(strings.ToLower(msg.Content)) {
			word = strings.Trim(word, ".,;:!?\"'()[]{}")
			if len(word) < 4 || stopWords[word] {
				continue
			}
			counts[word]++
		}
	}

	words := make([]string, 0, len(counts))
	for word, count := range counts {
		if count >= 2 {
			words = append(words, word)
		}
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > MaxTopicWords {
		words = words[:MaxTopicWords]
	}
	return words
}

var stopWords = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "have": true,
	"just": true, "your": true, "about": true, "what": true, "when": true,
	"will": true, "would": true, "could": true, "should": true, "there": true,
	"their": true, "them": true, "then": true, "than": true, "they": true,
	"were": true, "been": true, "because": true, "which": true, "into": true,
}

// truncateAtNewline cuts at the last newline within 80% of the limit.
func truncateAtNewline(content string, limit int) string {
	boundary := limit * 80 / 100
	if boundary >= len(content) {
		return content
	}
	cut := strings.LastIndex(content[:boundary], "\n")
	if cut <= 0 {
		return content[:boundary]
	}
	return content[:cut]
}
