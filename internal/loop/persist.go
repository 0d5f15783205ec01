package loop

import (
	"context"
	"path/filepath"

	"github.com/wardenhq/warden/internal/memory"
	"github.com/wardenhq/warden/internal/retry"
	"github.com/wardenhq/warden/pkg/models"
)

// PersistOutput reports what PERSIST managed to make durable.
type PersistOutput struct {
	// TranscriptUpdated reports that every turn message was appended.
	TranscriptUpdated bool

	// SessionUpdated reports that the session metadata patch landed.
	SessionUpdated bool

	// MemoryUpdated reports that the memory step completed; vacuously true
	// when no flush was requested.
	MemoryUpdated bool

	// LockReleased reports that the session lock is no longer held.
	LockReleased bool

	// Appended is how many transcript messages were written.
	Appended int

	// Errors lists persistence failures in the order they occurred.
	Errors []error
}

// IsSuccess reports a fully clean PERSIST: all four flags true, no errors.
func (o *PersistOutput) IsSuccess() bool {
	return o.TranscriptUpdated && o.SessionUpdated && o.MemoryUpdated &&
		o.LockReleased && len(o.Errors) == 0
}

// HasCriticalFailures reports a PERSIST that lost work: the transcript was
// not written or the lock was not released.
func (o *PersistOutput) HasCriticalFailures() bool {
	return !o.TranscriptUpdated || !o.LockReleased
}

// persist makes the turn durable and always releases the lock, even when an
// earlier step fails. The result is named so the deferred release is visible
// in what the caller receives.
func (r *Runner) persist(intake IntakeOutput, exec ExecuteOutput, input Input, flushMemory bool, updates []memory.Update) (out PersistOutput) {
	defer func() {
		released := r.locker.Release(intake.SessionID, intake.RunID)
		out.LockReleased = released || r.locker.Holder(intake.SessionID) == nil
		if !out.LockReleased {
			out.Errors = append(out.Errors, models.Errorf(models.CodeLockHeld,
				"lock on session %s still held after release", intake.SessionID))
		}
	}()

	appendErr := r.appendTurn(intake, exec, input, &out)
	out.TranscriptUpdated = appendErr == nil
	if appendErr != nil {
		out.Errors = append(out.Errors, appendErr)
	}

	if out.Appended > 0 {
		count := intake.Session.MessageCount + out.Appended
		// Persistence outlives the turn's context; a cancelled turn still
		// gets its metadata patch.
		err := r.retries.Do(context.Background(), "session-update", func() error {
			_, err := r.sessions.UpdateSession(intake.AgentPath, intake.SessionID,
				models.SessionPatch{MessageCount: &count})
			return err
		})
		if err != nil {
			out.Errors = append(out.Errors, err)
		} else {
			out.SessionUpdated = true
		}
	}

	out.MemoryUpdated = true
	if flushMemory && len(updates) > 0 && r.memory != nil {
		results, err := retry.DoValue(context.Background(), r.retries, "memory-flush",
			func() ([]memory.WriteResult, error) {
				return r.memory.ApplyUpdates(intake.AgentPath, updates)
			})
		memoryPath := filepath.Join(intake.AgentPath, memory.MemoryFile)
		if err != nil {
			// Memory failures are non-fatal for the turn.
			out.MemoryUpdated = false
			out.Errors = append(out.Errors, err)
			for _, update := range updates {
				r.publish(intake, models.Event{
					Type: models.EventMemoryWrite,
					Memory: &models.MemoryEventPayload{
						MemoryPath: memoryPath,
						Section:    update.Section,
					},
				})
			}
		} else {
			for _, result := range results {
				if !result.Success {
					out.MemoryUpdated = false
					out.Errors = append(out.Errors, models.Errorf(models.CodeMemoryOverLimit,
						"memory write to %q rejected: %s", result.Section, result.Error))
				}
				r.publish(intake, models.Event{
					Type: models.EventMemoryWrite,
					Memory: &models.MemoryEventPayload{
						MemoryPath: memoryPath,
						Section:    result.Section,
						SizeUsed:   result.SizeUsed,
						SizeLimit:  result.SizeLimit,
						Truncated:  result.Truncated,
						Success:    result.Success,
					},
				})
			}
			if r.metrics != nil {
				if stats, err := r.memory.GetStats(intake.AgentPath); err == nil {
					r.metrics.MemorySize.WithLabelValues(intake.AgentDef.ID).
						Set(float64(stats.TotalSize))
				}
			}
		}
		reason := "threshold"
		if input.FlushMemory {
			reason = "manual"
		}
		r.publish(intake, models.Event{
			Type: models.EventMemoryFlush,
			Memory: &models.MemoryEventPayload{
				Reason:       reason,
				UpdatesCount: len(updates),
				Success:      out.MemoryUpdated,
			},
		})
	}

	return out
}

// appendTurn writes the turn's messages in order: user turn, assistant turn
// with tool calls, one system turn per tool result, final assistant turn.
// Appending stops at the first failure so transcript order is preserved.
func (r *Runner) appendTurn(intake IntakeOutput, exec ExecuteOutput, input Input, out *PersistOutput) error {
	pending := []models.Message{{
		Role:    models.RoleUser,
		Content: input.Message,
	}}

	if len(exec.ToolCalls) > 0 {
		pending = append(pending, models.Message{
			Role:     models.RoleAssistant,
			Metadata: &models.MessageMetadata{ToolCalls: exec.ToolCalls},
		})
		for _, result := range exec.ToolResults {
			pending = append(pending, models.Message{
				Role:    models.RoleSystem,
				Content: toolResultContent(result),
				Metadata: &models.MessageMetadata{
					ToolResult: true,
					ToolCallID: result.ToolCallID,
					ToolName:   result.Name,
					DurationMS: result.Duration.Milliseconds(),
				},
			})
		}
	}

	final := models.Message{
		Role:    models.RoleAssistant,
		Content: exec.Response,
	}
	if exec.Usage.TotalTokens > 0 {
		usage := exec.Usage
		final.Metadata = &models.MessageMetadata{Usage: &usage}
	}
	pending = append(pending, final)

	for _, msg := range pending {
		if _, err := r.sessions.AppendToTranscript(intake.AgentPath, intake.SessionID, msg); err != nil {
			return err
		}
		out.Appended++
	}
	return nil
}
