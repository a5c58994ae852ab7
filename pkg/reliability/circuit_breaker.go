package reliability

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError provides detailed information when the circuit is open.
type CircuitOpenError struct {
	Failures   int
	LastError  error
	OpenedAt   time.Time
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	msg := fmt.Sprintf("circuit breaker is open: %d consecutive failures", e.Failures)
	if e.LastError != nil {
		msg += fmt.Sprintf(", last error: %v", e.LastError)
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %v", e.RetryAfter.Round(time.Second))
	}
	return msg
}

func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}

// StateChangeEvent is emitted when the circuit state changes.
type StateChangeEvent struct {
	From      CircuitState
	To        CircuitState
	Reason    string
	LastError error
}

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// CircuitClosed means the circuit is closed and requests are allowed
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit is open and requests are blocked
	CircuitOpen
	// CircuitHalfOpen means the circuit is testing if it should close
	CircuitHalfOpen
)

// String returns the string representation of the circuit state
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds the configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening the circuit
	MaxFailures int
	// Timeout is the duration to wait before transitioning from Open to HalfOpen
	Timeout time.Duration
	// SuccessThreshold is the number of consecutive successes needed to close the circuit from HalfOpen
	SuccessThreshold int

	// IsFailure classifies an error as a service fault. Errors for which it
	// returns false (a caller-side problem, e.g. a well-formed 4xx response)
	// pass through without counting against the breaker. Nil means every
	// error counts.
	IsFailure func(error) bool

	// OnStateChange is called when the circuit state changes
	OnStateChange func(StateChangeEvent)
}

// CircuitBreaker implements the circuit breaker pattern for fault tolerance.
// While half-open, exactly one probe call is allowed through at a time.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu            sync.RWMutex
	state         CircuitState
	failures      int
	successes     int
	lastFailTime  time.Time
	totalCalls    int
	successCount  int
	failureCount  int
	shortCircuits int
	lastError     error
	openedAt      time.Time
	probeInFlight bool
}

// CircuitBreakerMetrics holds metrics about circuit breaker operation
type CircuitBreakerMetrics struct {
	TotalCalls    int
	SuccessCount  int
	FailureCount  int
	ShortCircuits int
	CurrentState  CircuitState
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	// Set defaults if not provided
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}

	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
	}
}

// Execute runs the given function through the circuit breaker
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if openErr := cb.canExecute(); openErr != nil {
		return openErr
	}

	err := fn()
	cb.recordResult(err)
	return err
}

// canExecute checks if the circuit breaker allows execution.
// Returns nil if execution is allowed, or a detailed error if circuit is open.
func (cb *CircuitBreaker) canExecute() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		// Check if recovery timeout has elapsed
		if time.Since(cb.lastFailTime) > cb.config.Timeout {
			oldState := cb.state
			cb.state = CircuitHalfOpen
			cb.successes = 0
			cb.probeInFlight = true
			cb.notifyStateChange(oldState, CircuitHalfOpen, "recovery timeout elapsed, probing")
			return nil
		}
		cb.shortCircuits++
		return cb.openError()
	case CircuitHalfOpen:
		// One probe at a time while half-open
		if cb.probeInFlight {
			cb.shortCircuits++
			return cb.openError()
		}
		cb.probeInFlight = true
		return nil
	}
	return nil
}

// openError builds a CircuitOpenError snapshot. Must be called with mu held.
func (cb *CircuitBreaker) openError() error {
	retryAfter := cb.config.Timeout - time.Since(cb.openedAt)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &CircuitOpenError{
		Failures:   cb.failures,
		LastError:  cb.lastError,
		OpenedAt:   cb.openedAt,
		RetryAfter: retryAfter,
	}
}

// recordResult updates the circuit breaker state based on the result
func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probeInFlight = false

	// A response that indicates a caller-side problem still proves the
	// service is reachable; treat it as a success for breaker accounting.
	failed := err != nil && (cb.config.IsFailure == nil || cb.config.IsFailure(err))

	if failed {
		cb.failures++
		cb.failureCount++
		cb.lastFailTime = time.Now()
		cb.lastError = err
		cb.successes = 0

		switch cb.state {
		case CircuitClosed:
			if cb.failures >= cb.config.MaxFailures {
				oldState := cb.state
				cb.state = CircuitOpen
				cb.openedAt = time.Now()
				cb.notifyStateChange(oldState, CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
			}
		case CircuitHalfOpen:
			// Probe failed; reopen and restart the recovery timer
			oldState := cb.state
			cb.state = CircuitOpen
			cb.openedAt = time.Now()
			cb.notifyStateChange(oldState, CircuitOpen, "probe failed while half-open")
		}
		return
	}

	cb.successCount++
	cb.successes++

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
		cb.lastError = nil
	case CircuitHalfOpen:
		if cb.successes >= cb.config.SuccessThreshold {
			oldState := cb.state
			cb.state = CircuitClosed
			cb.failures = 0
			cb.successes = 0
			cb.lastError = nil
			cb.notifyStateChange(oldState, CircuitClosed, "recovered after successful probes")
		}
	case CircuitOpen:
		// This shouldn't happen, but handle it gracefully
		oldState := cb.state
		cb.state = CircuitHalfOpen
		cb.successes = 1
		cb.notifyStateChange(oldState, CircuitHalfOpen, "unexpected success while open")
	}
}

// notifyStateChange calls the OnStateChange callback if configured.
// Must be called with mu held.
func (cb *CircuitBreaker) notifyStateChange(from, to CircuitState, reason string) {
	if cb.config.OnStateChange == nil {
		return
	}
	lastErr := cb.lastError
	// Call callback without lock to prevent deadlock
	cb.mu.Unlock()
	cb.config.OnStateChange(StateChangeEvent{
		From:      from,
		To:        to,
		Reason:    reason,
		LastError: lastErr,
	})
	cb.mu.Lock()
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Metrics returns the current metrics of the circuit breaker
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerMetrics{
		TotalCalls:    cb.totalCalls,
		SuccessCount:  cb.successCount,
		FailureCount:  cb.failureCount,
		ShortCircuits: cb.shortCircuits,
		CurrentState:  cb.state,
	}
}

// Reset resets the circuit breaker to its initial state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastFailTime = time.Time{}
	cb.lastError = nil
	cb.openedAt = time.Time{}
	cb.probeInFlight = false
}

// LastError returns the most recent service fault recorded.
func (cb *CircuitBreaker) LastError() error {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.lastError
}

// ConsecutiveFailures returns the current consecutive failure count.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}
