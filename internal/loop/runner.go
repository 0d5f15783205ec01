package loop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wardenhq/warden/internal/compaction"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/memory"
	"github.com/wardenhq/warden/internal/observability"
	"github.com/wardenhq/warden/internal/providers"
	"github.com/wardenhq/warden/internal/retry"
	"github.com/wardenhq/warden/internal/sessions"
	"github.com/wardenhq/warden/internal/tools"
	"github.com/wardenhq/warden/pkg/models"
)

// AbortedResponse is the user-visible reply when a turn is cancelled before
// producing text.
const AbortedResponse = "[Aborted]"

// summaryTokenBudget bounds compaction summaries produced during a turn.
const summaryTokenBudget = 1000

// ToolSource is the tool surface a runner needs: execution plus the
// definitions offered to the model. *tools.Registry implements it.
type ToolSource interface {
	tools.Executor
	Definitions() []tools.Definition
}

// Deps wires a runner. Sessions, Locker, and LLM are required; everything
// else degrades gracefully when nil.
type Deps struct {
	Sessions   *sessions.Store
	Locker     *sessions.Locker
	Memory     *memory.Store
	Compactor  *compaction.Compactor
	LLM        providers.LLMHandler
	Tools      ToolSource
	Retries    *retry.Manager
	Bus        *events.Bus
	Metrics    *observability.Metrics
	Logger     *slog.Logger
	Summarizer compaction.Summarizer

	// Model labels LLM metrics; purely observational.
	Model string
}

// Runner executes turns. One Runner serves many agents and sessions
// concurrently; per-session exclusion comes from the Locker.
type Runner struct {
	config    Config
	sessions  *sessions.Store
	locker    *sessions.Locker
	memory    *memory.Store
	compactor *compaction.Compactor
	llm       providers.LLMHandler
	tools     ToolSource
	retries   *retry.Manager
	bus       *events.Bus
	metrics   *observability.Metrics
	logger    *slog.Logger
	summarize compaction.Summarizer
	model     string
}

// NewRunner creates a runner.
func NewRunner(config Config, deps Deps) (*Runner, error) {
	if deps.Sessions == nil || deps.Locker == nil {
		return nil, models.NewError(models.CodeInvalidInput, "session store and locker are required")
	}
	if deps.LLM == nil {
		return nil, models.NewError(models.CodeInvalidInput, "llm handler is required")
	}

	config = config.sanitize()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "loop")

	retries := deps.Retries
	if retries == nil {
		managerConfig := retry.DefaultManagerConfig()
		managerConfig.Retry = retry.Exponential(config.MaxRetries,
			config.RetryBaseDelay, 10*config.RetryBaseDelay)
		retries = retry.NewManager(managerConfig, deps.Bus, logger, nil)
	}

	compactor := deps.Compactor
	if compactor == nil {
		compactor = compaction.NewCompactor(deps.Bus)
	}

	model := deps.Model
	if model == "" {
		model = "default"
	}

	return &Runner{
		config:    config,
		sessions:  deps.Sessions,
		locker:    deps.Locker,
		memory:    deps.Memory,
		compactor: compactor,
		llm:       deps.LLM,
		tools:     deps.Tools,
		retries:   retries,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		logger:    logger,
		summarize: deps.Summarizer,
		model:     model,
	}, nil
}

// Result is the outcome of one turn.
type Result struct {
	// RunID identifies the turn.
	RunID string

	// SessionID is the session the turn ran against.
	SessionID string

	// AgentID is the resolved agent.
	AgentID string

	// Response is the user-visible reply; always non-empty once intake
	// succeeded, possibly "[Error: …]" or "[Aborted]".
	Response string

	// Usage is the turn's accumulated token usage.
	Usage models.Usage

	// Success reports a clean turn end to end.
	Success bool

	// Aborted reports cancellation.
	Aborted bool

	// Duration is the wall-clock time of the turn.
	Duration time.Duration

	// Intake, Context, Execute, and Persist expose the stage outputs.
	Intake  IntakeOutput
	Context ContextOutput
	Execute ExecuteOutput
	Persist PersistOutput

	// Err is the first fatal error, if any.
	Err error
}

// Run executes one turn. Once the session lock is acquired every path leads
// through PERSIST, so the lock is always released and partial work is durable.
func (r *Runner) Run(ctx context.Context, input Input) Result {
	start := time.Now()
	result := Result{}

	result.Intake = r.intake(input)
	result.RunID = result.Intake.RunID

	if result.Intake.failed() {
		result.Err = result.Intake.Errors[0]
		r.publishError(result.Intake, "intake", result.Err)
		return r.end(start, result)
	}
	result.SessionID = result.Intake.SessionID
	result.AgentID = result.Intake.AgentDef.ID

	r.publish(result.Intake, models.Event{
		Type: models.EventLoopStart,
		Loop: &models.LoopEventPayload{Message: input.Message},
	})

	result.Context = r.buildContext(result.Intake, input)
	r.publish(result.Intake, models.Event{
		Type: models.EventLoopContext,
		Loop: &models.LoopEventPayload{
			TokenEstimate:   result.Context.TokenEstimate,
			HistoryLength:   len(result.Context.History),
			NeedsCompaction: result.Context.NeedsCompaction,
			NeedsFlush:      result.Context.NeedsFlush,
		},
	})

	if result.Context.failed() {
		result.Err = result.Context.Errors[0]
		r.publishError(result.Intake, "context", result.Err)
		result.Execute.Response = fmt.Sprintf("[Error: %v]", result.Err)
	} else {
		if result.Context.RequiresAction() == ActionCompact {
			r.compact(ctx, &result)
		}
		result.Execute = r.execute(ctx, result.Intake, result.Context, input)
		r.publish(result.Intake, models.Event{
			Type: models.EventLoopExecute,
			Loop: &models.LoopEventPayload{
				ToolCallCount: len(result.Execute.ToolCalls),
				Usage:         &result.Execute.Usage,
			},
		})

		switch {
		case result.Execute.Aborted && result.Execute.Response == "":
			result.Execute.Response = AbortedResponse
		case result.Execute.fatal():
			result.Err = result.Execute.Errors[0]
			r.publishError(result.Intake, "execute", result.Err)
			result.Execute.Response = fmt.Sprintf("[Error: %v]", result.Err)
		case len(result.Execute.Errors) > 0:
			// The iteration cap is fatal for the turn even though the
			// literal response is kept and persisted.
			result.Err = result.Execute.Errors[0]
			r.publishError(result.Intake, "execute", result.Err)
		}
	}

	flush := result.Context.NeedsFlush || input.FlushMemory
	result.Persist = r.persist(result.Intake, result.Execute, input, flush, r.pendingMemoryUpdates(result))
	r.publish(result.Intake, models.Event{
		Type: models.EventLoopPersist,
		Loop: &models.LoopEventPayload{
			TranscriptUpdated: result.Persist.TranscriptUpdated,
			SessionUpdated:    result.Persist.SessionUpdated,
			MemoryUpdated:     result.Persist.MemoryUpdated,
			LockReleased:      result.Persist.LockReleased,
		},
	})
	if result.Persist.HasCriticalFailures() && result.Err == nil && len(result.Persist.Errors) > 0 {
		result.Err = result.Persist.Errors[0]
		r.publishError(result.Intake, "persist", result.Err)
	}

	result.Response = result.Execute.Response
	result.Usage = result.Execute.Usage
	result.Aborted = result.Execute.Aborted
	result.Success = result.Err == nil && !result.Aborted && !result.Persist.HasCriticalFailures()
	return r.end(start, result)
}

// compact shrinks the assembled history in place. The on-disk transcript is
// untouched; compaction only changes what the model sees this turn.
func (r *Runner) compact(ctx context.Context, result *Result) {
	budget := compaction.Budget{
		MaxTotalTokens:    int(float64(r.config.usableTokens()) * r.config.CompactionThreshold),
		SummaryBudget:     summaryTokenBudget,
		PreserveRecent:    r.config.KeepRecentToolResults,
		PreserveImportant: true,
		Summarizer:        r.summarize,
	}
	compacted, err := r.compactor.Compact(ctx, result.Context.History, budget)
	if err != nil {
		r.logger.Warn("compaction failed; continuing with full history",
			"run_id", result.RunID, "error", err)
		return
	}
	if compacted.Compacted {
		result.Context.History = compacted.Messages
		result.Context.TokenEstimate = compacted.TokensUsed +
			estimateText(result.Context.SystemPrompt)
		if r.metrics != nil {
			r.metrics.Compactions.WithLabelValues(compacted.Method).Inc()
		}
	}
}

// pendingMemoryUpdates records the turn into working memory when a flush is
// due. The update is append-only and bounded by the memory store's limits.
func (r *Runner) pendingMemoryUpdates(result Result) []memory.Update {
	if result.Execute.Response == "" || r.memory == nil {
		return nil
	}
	return []memory.Update{{
		Section: "Working Memory",
		Content: fmt.Sprintf("- [%s] turn in session %s: %s",
			time.Now().Format("2006-01-02"), result.SessionID,
			firstLine(result.Execute.Response)),
		Append: true,
	}}
}

func firstLine(text string) string {
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			text = text[:i]
			break
		}
	}
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// end finalizes the result, emits loop:end, and records run metrics.
func (r *Runner) end(start time.Time, result Result) Result {
	result.Duration = time.Since(start)

	r.publish(result.Intake, models.Event{
		Type: models.EventLoopEnd,
		Loop: &models.LoopEventPayload{
			Success:  result.Success,
			Usage:    &result.Usage,
			Duration: result.Duration,
		},
	})

	if r.metrics != nil && result.AgentID != "" {
		status := "success"
		if !result.Success {
			status = "error"
		}
		r.metrics.LoopRuns.WithLabelValues(result.AgentID, status).Inc()
		r.metrics.LoopDuration.WithLabelValues(result.AgentID).
			Observe(result.Duration.Seconds())
	}

	r.logger.Info("turn finished",
		"run_id", result.RunID,
		"session_id", result.SessionID,
		"success", result.Success,
		"duration", result.Duration)
	return result
}

// publish stamps correlation fields and emits on the bus.
func (r *Runner) publish(intake IntakeOutput, event models.Event) {
	if r.bus == nil {
		return
	}
	event.RunID = intake.RunID
	event.SessionID = intake.SessionID
	if intake.AgentDef != nil {
		event.AgentID = intake.AgentDef.ID
	}
	r.bus.Publish(event)
}

// publishError emits loop:error for a fatal stage failure.
func (r *Runner) publishError(intake IntakeOutput, stage string, err error) {
	r.logger.Error("stage failed", "run_id", intake.RunID, "stage", stage, "error", err)
	r.publish(intake, models.Event{
		Type: models.EventLoopError,
		Error: &models.ErrorEventPayload{
			Stage:   stage,
			Message: err.Error(),
			Code:    models.CodeOf(err),
		},
	})
}
