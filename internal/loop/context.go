package loop

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/agentdef"
	"github.com/wardenhq/warden/internal/compaction"
	"github.com/wardenhq/warden/internal/memory"
	"github.com/wardenhq/warden/internal/tools"
	"github.com/wardenhq/warden/pkg/models"
)

// PrunedPlaceholder replaces the content of old tool results in the
// in-memory view. The on-disk transcript is never touched.
const PrunedPlaceholder = "[Tool result pruned]"

// promptSections are the definition sections folded into the system prompt,
// in order.
var promptSections = []string{"identity", "capabilities", "guidelines", "tools"}

// Action is what the runner should do before EXECUTE.
type Action string

const (
	// ActionNone means the context fits comfortably.
	ActionNone Action = "none"

	// ActionFlush means memory updates should be flushed during PERSIST.
	ActionFlush Action = "flush"

	// ActionCompact means the history must be compacted before EXECUTE.
	ActionCompact Action = "compact"
)

// ContextOutput is the assembled context for one turn.
type ContextOutput struct {
	// SystemPrompt is the full assembled system prompt.
	SystemPrompt string

	// History is the in-memory transcript view: tail-truncated and pruned.
	History []models.Message

	// Tools are the definitions offered to the model.
	Tools []tools.Definition

	// TokenEstimate approximates the context size including the prompt.
	TokenEstimate int

	// NeedsFlush is set above the flush threshold.
	NeedsFlush bool

	// NeedsCompaction is set above the compaction threshold.
	NeedsCompaction bool

	// Errors lists context failures; non-empty means EXECUTE must not run.
	Errors []error
}

func (o *ContextOutput) failed() bool { return len(o.Errors) > 0 }

// RequiresAction reports the most urgent pending action: compaction wins
// over flush.
func (o *ContextOutput) RequiresAction() Action {
	switch {
	case o.NeedsCompaction:
		return ActionCompact
	case o.NeedsFlush:
		return ActionFlush
	default:
		return ActionNone
	}
}

// buildContext loads the transcript and memory, assembles the system prompt,
// prunes old tool results, and estimates the context size.
func (r *Runner) buildContext(intake IntakeOutput, input Input) ContextOutput {
	var out ContextOutput

	history, err := r.sessions.ReadTranscript(intake.AgentPath, intake.SessionID)
	if err != nil {
		out.Errors = append(out.Errors, err)
		return out
	}
	if len(history) > r.config.MaxHistoryMessages {
		history = history[len(history)-r.config.MaxHistoryMessages:]
	}
	out.History = pruneToolResults(history, r.config.KeepRecentToolResults)

	memoryBody := ""
	if r.memory != nil {
		memoryPath := filepath.Join(intake.AgentPath, memory.MemoryFile)
		doc, err := r.memory.Load(intake.AgentPath)
		switch {
		case err != nil:
			// Memory enriches the prompt; a read failure degrades the
			// context but does not abort the turn.
			r.logger.Warn("memory load failed", "run_id", intake.RunID, "error", err)
			r.publish(intake, models.Event{
				Type:   models.EventMemoryRead,
				Memory: &models.MemoryEventPayload{MemoryPath: memoryPath},
			})
		case doc != nil:
			memoryBody = renderMemoryBody(doc)
			r.publish(intake, models.Event{
				Type: models.EventMemoryRead,
				Memory: &models.MemoryEventPayload{
					MemoryPath:   memoryPath,
					SectionCount: len(doc.Sections),
					TotalSize:    doc.TotalSize(),
					Success:      true,
				},
			})
		}
	}

	out.SystemPrompt = buildSystemPrompt(intake.AgentDef, memoryBody, time.Now())

	if r.tools != nil {
		out.Tools = r.tools.Definitions()
	}

	out.TokenEstimate = compaction.EstimateTotal(out.History) +
		estimateText(out.SystemPrompt) + estimateText(input.Message)

	usable := float64(r.config.usableTokens())
	out.NeedsFlush = float64(out.TokenEstimate) > usable*r.config.FlushThreshold
	out.NeedsCompaction = float64(out.TokenEstimate) > usable*r.config.CompactionThreshold
	return out
}

// estimateText approximates tokens for prompt text outside the transcript.
func estimateText(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + compaction.CharsPerToken - 1) / compaction.CharsPerToken
}

// pruneToolResults keeps the most recent keep tool results in full and
// replaces older ones with a placeholder. Tool-call messages are untouched,
// and the returned slice holds clones so the caller's view stays clean.
func pruneToolResults(history []models.Message, keep int) []models.Message {
	out := make([]models.Message, len(history))
	remaining := 0
	for _, msg := range history {
		if msg.Metadata != nil && msg.Metadata.ToolResult {
			remaining++
		}
	}

	for i, msg := range history {
		cloned := msg.Clone()
		if cloned.Metadata != nil && cloned.Metadata.ToolResult {
			if remaining > keep {
				cloned.Metadata.Pruned = true
				cloned.Metadata.OriginalLength = len(cloned.Content)
				cloned.Content = PrunedPlaceholder
			}
			remaining--
		}
		out[i] = cloned
	}
	return out
}

// renderMemoryBody flattens the memory document's non-empty sections into
// prompt text.
func renderMemoryBody(doc *memory.Document) string {
	var sb strings.Builder
	for _, section := range doc.Sections {
		content := strings.TrimSpace(section.Content)
		if content == "" {
			continue
		}
		fmt.Fprintf(&sb, "### %s\n%s\n", section.Title, content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// buildSystemPrompt concatenates instructions, the named definition sections,
// the scope block, the current-context block, and working memory.
func buildSystemPrompt(def *agentdef.Definition, memoryBody string, now time.Time) string {
	var sb strings.Builder

	if def.Instructions != "" {
		sb.WriteString(strings.TrimSpace(def.Instructions))
		sb.WriteString("\n\n")
	}
	for _, name := range promptSections {
		if content := def.Section(name); content != "" {
			fmt.Fprintf(&sb, "## %s\n%s\n\n", titleOf(name), strings.TrimSpace(content))
		}
	}
	if def.Scope != "" {
		fmt.Fprintf(&sb, "## Scope\nYou operate within: %s\n\n", def.Scope)
	}
	fmt.Fprintf(&sb, "## Current Context\nDate: %s\nTime: %s\n\n",
		now.Format("2006-01-02"), now.Format("15:04:05 MST"))
	if memoryBody != "" {
		fmt.Fprintf(&sb, "## Working Memory\n%s\n", memoryBody)
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

func titleOf(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
