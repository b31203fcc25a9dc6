package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond, Multiplier: 2}
}

func TestDo_DefaultIsSingleAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return Retryable(errors.New("boom"))
	})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if IsRetryable(err) {
		t.Error("final error should not carry the retry marker")
	}
}

func TestDo_RetriesRetryable(t *testing.T) {
	calls := 0
	retried := 0
	cfg := fastConfig(3)
	cfg.OnRetry = func(int, error) { retried++ }

	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("transient"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 || retried != 2 {
		t.Errorf("calls = %d, retried = %d", calls, retried)
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("not found")
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoWithResult_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := fastConfig(3)
	_, err := DoWithResult(ctx, cfg, func() (int, error) {
		return 0, Retryable(errors.New("transient"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestBackoffCapped(t *testing.T) {
	cfg := Config{InitialWait: time.Second, MaxWait: 3 * time.Second, Multiplier: 10}
	if got := cfg.Backoff(1); got != time.Second {
		t.Errorf("Backoff(1) = %v", got)
	}
	if got := cfg.Backoff(4); got != 3*time.Second {
		t.Errorf("Backoff(4) = %v", got)
	}
}
