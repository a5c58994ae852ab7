package reliability

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

func cryptoRandFloat64() float64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return 0.5
	}
	n := binary.BigEndian.Uint64(b[:]) >> 11 // 53 bits
	return float64(n) / float64(uint64(1)<<53)
}

// retriableError marks an error as worth retrying regardless of its type.
type retriableError struct{ err error }

func (e *retriableError) Error() string { return e.err.Error() }
func (e *retriableError) Unwrap() error { return e.err }

// permanentError marks an error as never worth retrying.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retriable marks err as transient so RetryStrategy will retry it.
// Callers use this for protocol-level failures (5xx responses, rate limits)
// that the transport classification below cannot see.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &retriableError{err: err}
}

// Permanent marks err as non-retriable, overriding transport classification.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// RetryStrategy implements exponential backoff with jitter for retrying failed
// operations. It retries transient transport failures (connection refused,
// resets, timeouts) and anything marked Retriable, while failing fast on
// caller-side errors and anything marked Permanent.
type RetryStrategy struct {
	// MaxRetries is the maximum number of retry attempts after the initial execution.
	// For example, MaxRetries=3 means up to 4 total attempts (1 initial + 3 retries).
	MaxRetries int

	// BaseDelay is the initial delay before the first retry.
	// Subsequent delays are calculated as: BaseDelay * (Multiplier ^ attempt) + jitter
	BaseDelay time.Duration

	// MaxDelay is the maximum delay between retry attempts.
	// Delays are capped at this value to prevent excessively long waits.
	MaxDelay time.Duration

	// Multiplier is the exponential backoff multiplier (typically 2.0).
	Multiplier float64
}

// Execute runs the given function with automatic retry on retriable errors.
// It implements exponential backoff with jitter to prevent thundering herd.
//
// Context cancellation stops the retry loop immediately. When all retries are
// exhausted the last error is surfaced once, wrapped with the attempt count,
// so the caller's failure accounting sees a single aggregated failure.
func (s *RetryStrategy) Execute(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := s.BaseDelay

	for attempt := 0; attempt <= s.MaxRetries; attempt++ {
		// Wait before retry (skip on first attempt)
		if attempt > 0 {
			// Apply jitter: add random variance of ±25% to prevent thundering herd
			jitterFactor := 0.75 + cryptoRandFloat64()*0.5
			jitter := time.Duration(float64(delay) * jitterFactor)

			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				return ctx.Err()
			}

			// Calculate next delay with exponential backoff
			delay = time.Duration(float64(delay) * s.Multiplier)
			if delay > s.MaxDelay {
				delay = s.MaxDelay
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		if !IsRetriable(err) {
			return err
		}

		lastErr = err
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", s.MaxRetries, lastErr)
}

// IsRetriable determines whether an error should trigger a retry attempt.
//
// It returns true for transient failures that might succeed on retry:
//   - errors explicitly marked with Retriable
//   - context.DeadlineExceeded (per-call timeout; more time might help)
//   - network timeouts (net.Error.Timeout)
//   - connection refused / reset / broken pipe
//
// It returns false for everything else, notably:
//   - errors explicitly marked with Permanent
//   - context.Canceled (the caller gave up, don't retry)
//   - unknown error types (fail fast by default)
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var retr *retriableError
	if errors.As(err, &retr) {
		return true
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	return false
}
