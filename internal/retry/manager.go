package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/pkg/models"
)

// EscalationError is surfaced when an operation exhausts its retries.
// It carries the full error history of every attempt.
type EscalationError struct {
	// OperationID identifies the escalated operation.
	OperationID string

	// Name is the operation's human-readable name.
	Name string

	// Attempts is the number of attempts made.
	Attempts int

	// History holds every attempt's error, oldest first.
	History []error
}

// Error implements the error interface.
func (e *EscalationError) Error() string {
	last := "unknown"
	if len(e.History) > 0 {
		last = e.History[len(e.History)-1].Error()
	}
	return fmt.Sprintf("operation %s escalated after %d attempts: %s", e.Name, e.Attempts, last)
}

// Unwrap returns the last attempt's error.
func (e *EscalationError) Unwrap() error {
	if len(e.History) == 0 {
		return nil
	}
	return e.History[len(e.History)-1]
}

// EscalationHandler receives exhausted operations.
type EscalationHandler func(esc *EscalationError)

// Operation is a tracked retryable operation.
type Operation struct {
	// ID is the operation identifier.
	ID string

	// Name is the human-readable operation name.
	Name string

	// StartedAt is when the operation began.
	StartedAt time.Time

	// CompletedAt is when the operation finished; zero while active.
	CompletedAt time.Time

	// Attempts is the number of attempts made so far.
	Attempts int

	// Succeeded reports the final outcome once completed.
	Succeeded bool
}

// Stats summarizes manager activity.
type Stats struct {
	// TotalRetries counts attempts beyond the first across all operations.
	TotalRetries int

	// Escalations counts exhausted operations.
	Escalations int

	// Successes counts operations that eventually succeeded.
	Successes int

	// Failures counts operations that ended in error.
	Failures int
}

// ManagerConfig tunes the retry manager.
type ManagerConfig struct {
	// Retry is the backoff configuration applied to every operation.
	Retry Config

	// NonRetryable lists error codes that fail immediately without retries.
	NonRetryable []models.ErrorCode

	// CompletedRingSize bounds how many finished operations are retained.
	// Default: 100.
	CompletedRingSize int
}

// DefaultManagerConfig returns the default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Retry: DefaultConfig(),
		NonRetryable: []models.ErrorCode{
			models.CodeScopeViolation,
			models.CodeAuthenticationFailed,
			models.CodeInvalidInput,
		},
		CompletedRingSize: 100,
	}
}

// Manager executes operations under retry policy, tracks them, emits
// per-attempt events, and escalates exhausted operations. Safe for
// concurrent use.
type Manager struct {
	mu           sync.Mutex
	active       map[string]*Operation
	completed    []*Operation
	stats        Stats
	config       ManagerConfig
	nonRetryable map[models.ErrorCode]bool
	bus          *events.Bus
	logger       *slog.Logger
	onEscalation EscalationHandler
}

// NewManager creates a retry manager. bus and onEscalation may be nil.
func NewManager(config ManagerConfig, bus *events.Bus, logger *slog.Logger, onEscalation EscalationHandler) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.CompletedRingSize <= 0 {
		config.CompletedRingSize = DefaultManagerConfig().CompletedRingSize
	}
	nonRetryable := make(map[models.ErrorCode]bool, len(config.NonRetryable))
	for _, code := range config.NonRetryable {
		nonRetryable[code] = true
	}
	return &Manager{
		active:       make(map[string]*Operation),
		config:       config,
		nonRetryable: nonRetryable,
		bus:          bus,
		logger:       logger.With("component", "retry"),
		onEscalation: onEscalation,
	}
}

// Do runs op under the manager's retry policy. Errors whose code is in the
// non-retryable set fail without further attempts. On exhaustion the
// escalation handler fires and an *EscalationError is returned.
func (m *Manager) Do(ctx context.Context, name string, op func() error) error {
	tracked := &Operation{
		ID:        uuid.NewString(),
		Name:      name,
		StartedAt: time.Now(),
	}

	m.mu.Lock()
	m.active[tracked.ID] = tracked
	m.mu.Unlock()

	wrapped := func() error {
		err := op()
		if err != nil && m.nonRetryable[models.CodeOf(err)] {
			return Permanent(err)
		}
		return err
	}

	result := do(ctx, m.config.Retry, wrapped, func(attempt int, delay time.Duration, err error) {
		m.mu.Lock()
		tracked.Attempts = attempt
		m.mu.Unlock()

		m.logger.Warn("operation attempt failed",
			"operation", name, "attempt", attempt, "error", err)
		m.publish(models.Event{
			Type: models.EventRetryAttempt,
			Retry: &models.RetryEventPayload{
				OperationID: tracked.ID,
				Name:        name,
				Attempt:     attempt,
				Delay:       delay,
				Error:       err.Error(),
			},
		})
	})

	m.finish(tracked, result)

	if result.Err == nil {
		return nil
	}

	// Unwrap the permanent marker so callers see the original coded error.
	var permanent *PermanentError
	finalErr := result.Err
	if errors.As(finalErr, &permanent) {
		finalErr = permanent.Err
	}

	if !IsPermanent(result.Err) && result.Attempts >= maxAttempts(m.config.Retry) {
		esc := &EscalationError{
			OperationID: tracked.ID,
			Name:        name,
			Attempts:    result.Attempts,
			History:     unwrapHistory(result.History),
		}
		m.escalate(esc)
		return esc
	}

	return finalErr
}

// DoValue runs an operation returning a value under the manager's policy.
func DoValue[T any](ctx context.Context, m *Manager, name string, op func() (T, error)) (T, error) {
	var value T
	err := m.Do(ctx, name, func() error {
		var opErr error
		value, opErr = op()
		return opErr
	})
	return value, err
}

func maxAttempts(c Config) int {
	if c.MaxAttempts <= 0 {
		return 1
	}
	return c.MaxAttempts
}

func unwrapHistory(history []error) []error {
	out := make([]error, len(history))
	for i, err := range history {
		var permanent *PermanentError
		if errors.As(err, &permanent) {
			out[i] = permanent.Err
		} else {
			out[i] = err
		}
	}
	return out
}

func (m *Manager) finish(op *Operation, result Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op.Attempts = result.Attempts
	op.CompletedAt = time.Now()
	op.Succeeded = result.Err == nil

	delete(m.active, op.ID)
	m.completed = append(m.completed, op)
	if len(m.completed) > m.config.CompletedRingSize {
		m.completed = m.completed[len(m.completed)-m.config.CompletedRingSize:]
	}

	if result.Attempts > 1 {
		m.stats.TotalRetries += result.Attempts - 1
	}
	if result.Err == nil {
		m.stats.Successes++
	} else {
		m.stats.Failures++
	}
}

func (m *Manager) escalate(esc *EscalationError) {
	m.mu.Lock()
	m.stats.Escalations++
	m.mu.Unlock()

	m.logger.Error("operation escalated",
		"operation", esc.Name, "attempts", esc.Attempts)
	m.publish(models.Event{
		Type: models.EventRetryEscalated,
		Retry: &models.RetryEventPayload{
			OperationID: esc.OperationID,
			Name:        esc.Name,
			Attempt:     esc.Attempts,
			Error:       esc.Error(),
		},
	})

	if m.onEscalation != nil {
		m.onEscalation(esc)
	}
}

func (m *Manager) publish(event models.Event) {
	if m.bus != nil {
		m.bus.Publish(event)
	}
}

// ActiveOperations returns a snapshot of in-flight operations.
func (m *Manager) ActiveOperations() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Operation, 0, len(m.active))
	for _, op := range m.active {
		out = append(out, *op)
	}
	return out
}

// CompletedOperations returns a snapshot of retained finished operations,
// oldest first.
func (m *Manager) CompletedOperations() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Operation, len(m.completed))
	for i, op := range m.completed {
		out[i] = *op
	}
	return out
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
