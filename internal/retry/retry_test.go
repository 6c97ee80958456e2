package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		InitialWait: time.Millisecond,
		MaxWait:     5 * time.Millisecond,
		Multiplier:  2,
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func(context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("transient"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), fastConfig(5), func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	cause := errors.New("db down")
	calls := 0
	var retries []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, _ time.Duration, _ error) { retries = append(retries, attempt) }

	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return Retryable(cause)
	})
	if !errors.Is(err, cause) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(retries) != 2 {
		t.Errorf("expected 2 retry callbacks, got %v", retries)
	}
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 0, InitialWait: time.Hour, MaxWait: time.Hour, Multiplier: 1}

	calls := 0
	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		cancel()
		return Retryable(errors.New("x"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryableSkipsContextErrors(t *testing.T) {
	if IsRetryable(Retryable(context.Canceled)) {
		t.Error("context.Canceled must not be retryable")
	}
	if Retryable(nil) != nil {
		t.Error("Retryable(nil) should be nil")
	}
}

func TestBackoffCapped(t *testing.T) {
	cfg := Config{InitialWait: 100 * time.Millisecond, MaxWait: 300 * time.Millisecond, Multiplier: 2}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := cfg.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	v, err := DoWithResult(context.Background(), fastConfig(3), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", Retryable(errors.New("once"))
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Errorf("got %q, %v", v, err)
	}
}
