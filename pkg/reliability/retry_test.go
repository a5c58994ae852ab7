package reliability

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"
)

func strategy() *RetryStrategy {
	return &RetryStrategy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	attempts := 0
	err := strategy().Execute(context.Background(), func() error {
		attempts++
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	attempts := 0
	err := strategy().Execute(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return syscall.ECONNREFUSED
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryExhaustionAggregatesOneFailure(t *testing.T) {
	attempts := 0
	base := syscall.ECONNRESET
	err := strategy().Execute(context.Background(), func() error {
		attempts++
		return base
	})
	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}
	if attempts != 4 { // 1 initial + 3 retries
		t.Errorf("Expected 4 attempts, got %d", attempts)
	}
	if !errors.Is(err, base) {
		t.Errorf("Expected aggregated error to wrap the last failure, got %v", err)
	}
}

func TestRetryStopsOnNonRetriable(t *testing.T) {
	attempts := 0
	bad := errors.New("validation failed")
	err := strategy().Execute(context.Background(), func() error {
		attempts++
		return bad
	})
	if !errors.Is(err, bad) {
		t.Fatalf("Expected error surfaced unchanged, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Unknown errors must fail fast, got %d attempts", attempts)
	}
}

func TestRetryHonorsExplicitMarkers(t *testing.T) {
	attempts := 0
	err := strategy().Execute(context.Background(), func() error {
		attempts++
		return Retriable(errors.New("upstream 503"))
	})
	if err == nil {
		t.Fatal("Expected failure")
	}
	if attempts != 4 {
		t.Errorf("Retriable-marked errors should retry, got %d attempts", attempts)
	}

	attempts = 0
	err = strategy().Execute(context.Background(), func() error {
		attempts++
		return Permanent(syscall.ECONNREFUSED)
	})
	if err == nil {
		t.Fatal("Expected failure")
	}
	if attempts != 1 {
		t.Errorf("Permanent-marked errors must not retry, got %d attempts", attempts)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := (&RetryStrategy{
		MaxRetries: 10,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
	}).Execute(ctx, func() error {
		attempts++
		cancel()
		return syscall.ECONNREFUSED
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected retry loop to stop after cancel, got %d attempts", attempts)
	}
}

func TestIsRetriableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"cancel", context.Canceled, false},
		{"conn refused", syscall.ECONNREFUSED, true},
		{"conn reset", syscall.ECONNRESET, true},
		{"broken pipe", syscall.EPIPE, true},
		{"unknown", errors.New("boom"), false},
		{"marked retriable", Retriable(errors.New("boom")), true},
		{"marked permanent", Permanent(context.DeadlineExceeded), false},
	}
	for _, tc := range cases {
		if got := IsRetriable(tc.err); got != tc.want {
			t.Errorf("%s: IsRetriable = %v, want %v", tc.name, got, tc.want)
		}
	}
}
