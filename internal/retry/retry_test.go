package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	})

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if calls != 1 || result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got calls=%d attempts=%d", calls, result.Attempts)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	config := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1.0}
	calls := 0
	result := Do(context.Background(), config, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	if len(result.History) != 2 {
		t.Errorf("expected 2 history entries, got %d", len(result.History))
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	config := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1.0}
	failure := errors.New("always fails")
	result := Do(context.Background(), config, func() error { return failure })

	if !errors.Is(result.Err, failure) {
		t.Fatalf("expected last error, got %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	if len(result.History) != 3 {
		t.Errorf("expected 3 history entries, got %d", len(result.History))
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	config := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1.0}
	calls := 0
	result := Do(context.Background(), config, func() error {
		calls++
		return Permanent(errors.New("bad input"))
	})

	if calls != 1 {
		t.Errorf("expected permanent error to stop retries, got %d calls", calls)
	}
	if !IsPermanent(result.Err) {
		t.Error("expected permanent error in result")
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := Config{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Factor: 2.0}

	calls := 0
	result := Do(ctx, config, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})

	if !errors.Is(result.Err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", result.Err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestDoWithValue(t *testing.T) {
	config := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1.0}
	calls := 0
	value, result := DoWithValue(context.Background(), config, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if value != 42 {
		t.Errorf("expected 42, got %d", value)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	initial := 100 * time.Millisecond
	max := time.Second

	if got := Backoff(1, initial, max, 2.0); got != initial {
		t.Errorf("attempt 1: expected %v, got %v", initial, got)
	}
	if got := Backoff(2, initial, max, 2.0); got != 200*time.Millisecond {
		t.Errorf("attempt 2: expected 200ms, got %v", got)
	}
	if got := Backoff(10, initial, max, 2.0); got != max {
		t.Errorf("attempt 10: expected cap %v, got %v", max, got)
	}
}

func TestLinearConfig(t *testing.T) {
	config := Linear(4, 50*time.Millisecond)
	if config.MaxAttempts != 4 || config.Factor != 1.0 || config.Jitter {
		t.Errorf("unexpected linear config: %+v", config)
	}
	if config.InitialDelay != config.MaxDelay {
		t.Error("linear config should have fixed delay")
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
	if IsRetryable(Permanent(errors.New("x"))) {
		t.Error("permanent errors should not be retryable")
	}
	if !IsRetryable(errors.New("x")) {
		t.Error("plain errors should be retryable")
	}
}
