package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/pkg/models"
)

func fastManagerConfig() ManagerConfig {
	config := DefaultManagerConfig()
	config.Retry = Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1.0}
	return config
}

func TestManagerSuccess(t *testing.T) {
	m := NewManager(fastManagerConfig(), nil, nil, nil)

	err := m.Do(context.Background(), "op", func() error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := m.Stats()
	if stats.Successes != 1 || stats.Failures != 0 || stats.TotalRetries != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestManagerRetriesThenSucceeds(t *testing.T) {
	m := NewManager(fastManagerConfig(), nil, nil, nil)

	calls := 0
	err := m.Do(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return models.NewError(models.CodeTransientIO, "disk hiccup")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := m.Stats()
	if stats.TotalRetries != 2 {
		t.Errorf("expected 2 retries, got %d", stats.TotalRetries)
	}
	if stats.Successes != 1 {
		t.Errorf("expected 1 success, got %d", stats.Successes)
	}
}

func TestManagerEscalatesOnExhaustion(t *testing.T) {
	var escalated *EscalationError
	m := NewManager(fastManagerConfig(), nil, nil, func(esc *EscalationError) {
		escalated = esc
	})

	failure := models.NewError(models.CodeLLMTransient, "model overloaded")
	err := m.Do(context.Background(), "llm-call", func() error { return failure })

	var esc *EscalationError
	if !errors.As(err, &esc) {
		t.Fatalf("expected EscalationError, got %v", err)
	}
	if escalated == nil {
		t.Fatal("escalation handler not invoked")
	}
	if len(escalated.History) != 3 {
		t.Errorf("expected 3 errors in history, got %d", len(escalated.History))
	}
	if escalated.Name != "llm-call" {
		t.Errorf("unexpected operation name %q", escalated.Name)
	}

	stats := m.Stats()
	if stats.Escalations != 1 || stats.Failures != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestManagerNonRetryableCodeFailsImmediately(t *testing.T) {
	m := NewManager(fastManagerConfig(), nil, nil, nil)

	calls := 0
	err := m.Do(context.Background(), "op", func() error {
		calls++
		return models.NewError(models.CodeScopeViolation, "path escapes scope")
	})

	if calls != 1 {
		t.Errorf("expected 1 call for non-retryable code, got %d", calls)
	}
	if !models.HasCode(err, models.CodeScopeViolation) {
		t.Errorf("expected original coded error surfaced, got %v", err)
	}
	var esc *EscalationError
	if errors.As(err, &esc) {
		t.Error("non-retryable error must not escalate")
	}
}

func TestManagerEmitsAttemptEvents(t *testing.T) {
	bus := events.NewBus(events.DefaultConfig(), nil)
	var attempts []models.Event
	bus.Subscribe(models.EventRetryAttempt, func(e models.Event) {
		attempts = append(attempts, e)
	})
	escalations := 0
	bus.Subscribe(models.EventRetryEscalated, func(e models.Event) { escalations++ })

	m := NewManager(fastManagerConfig(), bus, nil, nil)
	_ = m.Do(context.Background(), "op", func() error {
		return errors.New("transient")
	})

	if len(attempts) != 3 {
		t.Errorf("expected 3 attempt events, got %d", len(attempts))
	}
	if escalations != 1 {
		t.Errorf("expected 1 escalation event, got %d", escalations)
	}
	if len(attempts) > 0 && attempts[0].Retry.Attempt != 1 {
		t.Errorf("expected first attempt number 1, got %d", attempts[0].Retry.Attempt)
	}
	if len(attempts) > 0 && attempts[0].Retry.Name != "op" {
		t.Errorf("attempt event missing operation name: %+v", attempts[0].Retry)
	}
}

func TestManagerCompletedRing(t *testing.T) {
	config := fastManagerConfig()
	config.CompletedRingSize = 2
	m := NewManager(config, nil, nil, nil)

	for i := 0; i < 5; i++ {
		_ = m.Do(context.Background(), "op", func() error { return nil })
	}

	completed := m.CompletedOperations()
	if len(completed) != 2 {
		t.Errorf("expected ring of 2, got %d", len(completed))
	}
	if len(m.ActiveOperations()) != 0 {
		t.Error("expected no active operations")
	}
}

func TestDoValue(t *testing.T) {
	m := NewManager(fastManagerConfig(), nil, nil, nil)

	value, err := DoValue(context.Background(), m, "op", func() (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "ok" {
		t.Errorf("expected ok, got %q", value)
	}
}
