// Package loop runs one agent turn through the four stages: INTAKE resolves
// the agent and locks the session, CONTEXT assembles the prompt, EXECUTE
// drives the model and its tool calls, PERSIST makes the turn durable and
// releases the lock. Stage failures never panic across the stage boundary;
// the runner observes structured outputs and always reaches PERSIST once the
// lock is held.
package loop

import (
	"time"

	"github.com/wardenhq/warden/internal/sessions"
)

// Config tunes one runner. Zero fields fall back to defaults.
type Config struct {
	// ContextWindow is the model's context size in estimated tokens.
	ContextWindow int

	// ReserveTokens is held back from the window for the reply.
	ReserveTokens int

	// FlushThreshold is the fraction of the usable window above which
	// accumulated memory updates are flushed during PERSIST.
	FlushThreshold float64

	// CompactionThreshold is the fraction of the usable window above which
	// the transcript is compacted before EXECUTE.
	CompactionThreshold float64

	// MaxHistoryMessages tail-truncates the loaded transcript.
	MaxHistoryMessages int

	// KeepRecentToolResults is how many trailing tool results survive
	// pruning in full; it doubles as the compactor's preserve-recent count.
	KeepRecentToolResults int

	// MaxToolIterations bounds the model/tool round-trips in one turn.
	MaxToolIterations int

	// ExecutionTimeout bounds the whole EXECUTE stage.
	ExecutionTimeout time.Duration

	// ToolTimeout bounds each individual tool call.
	ToolTimeout time.Duration

	// LockTTL is the session lease duration.
	LockTTL time.Duration

	// MaxRetries and RetryBaseDelay shape the default retry manager when
	// the caller does not supply one.
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// DefaultConfig returns the standard loop configuration.
func DefaultConfig() Config {
	return Config{
		ContextWindow:         100_000,
		ReserveTokens:         4_000,
		FlushThreshold:        0.70,
		CompactionThreshold:   0.85,
		MaxHistoryMessages:    100,
		KeepRecentToolResults: 5,
		MaxToolIterations:     10,
		ExecutionTimeout:      10 * time.Minute,
		ToolTimeout:           30 * time.Second,
		LockTTL:               sessions.DefaultLockTTL,
		MaxRetries:            3,
		RetryBaseDelay:        time.Second,
	}
}

func (c Config) sanitize() Config {
	defaults := DefaultConfig()
	if c.ContextWindow <= 0 {
		c.ContextWindow = defaults.ContextWindow
	}
	if c.ReserveTokens <= 0 {
		c.ReserveTokens = defaults.ReserveTokens
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = defaults.FlushThreshold
	}
	if c.CompactionThreshold <= 0 {
		c.CompactionThreshold = defaults.CompactionThreshold
	}
	if c.MaxHistoryMessages <= 0 {
		c.MaxHistoryMessages = defaults.MaxHistoryMessages
	}
	if c.KeepRecentToolResults <= 0 {
		c.KeepRecentToolResults = defaults.KeepRecentToolResults
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = defaults.MaxToolIterations
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = defaults.ExecutionTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = defaults.ToolTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaults.RetryBaseDelay
	}
	return c
}

// usableTokens is the window minus the reply reserve.
func (c Config) usableTokens() int {
	usable := c.ContextWindow - c.ReserveTokens
	if usable < 1 {
		usable = 1
	}
	return usable
}
