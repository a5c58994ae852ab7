package fleet

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/odvcencio/mendel/pkg/errors"
	"github.com/odvcencio/mendel/pkg/logging"
	"github.com/odvcencio/mendel/pkg/reliability"
	"github.com/odvcencio/mendel/pkg/telemetry"
)

// RegistryConfig controls breaker behavior and health polling for all
// registered services.
type RegistryConfig struct {
	// FailureThreshold is consecutive service faults before a breaker opens.
	FailureThreshold int
	// RecoveryTimeout is how long a breaker stays open before probing.
	RecoveryTimeout time.Duration
	// SuccessThreshold is successful probes required to close a breaker.
	SuccessThreshold int
	// PollInterval is the health-poll period per service.
	PollInterval time.Duration
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	return c
}

// entry pairs one service's client with its breaker and mutable health
// bookkeeping. The health fields have a single logical writer: outcomes are
// recorded under mu whether they come from the poll loop or a live call.
type entry struct {
	desc    ServiceDescriptor
	client  *ServiceClient
	breaker *reliability.CircuitBreaker

	mu          sync.Mutex
	lastChecked time.Time
	lastError   error
}

// Registry owns one breaker-wrapped client per named service, polls health in
// the background, and exposes aggregate and per-service status.
type Registry struct {
	cfg    RegistryConfig
	hub    *telemetry.Hub
	logger *logging.Logger

	mu       sync.RWMutex
	services map[string]*entry

	pollCancel context.CancelFunc
	pollWG     sync.WaitGroup
	stopOnce   sync.Once
}

// NewRegistry constructs a registry. hub and logger may be nil in tests.
func NewRegistry(cfg RegistryConfig, hub *telemetry.Hub, logger *logging.Logger) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		hub:      hub,
		logger:   logger,
		services: make(map[string]*entry),
	}
}

// Register adds a service to the registry. Names are unique; registering a
// duplicate is an error.
func (r *Registry) Register(desc ServiceDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	desc = desc.withDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[desc.Name]; exists {
		return errors.New(errors.ErrCodeInvalidInput, "service already registered").
			WithContext("service", desc.Name)
	}

	name := desc.Name
	breaker := reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
		MaxFailures:      r.cfg.FailureThreshold,
		Timeout:          r.cfg.RecoveryTimeout,
		SuccessThreshold: r.cfg.SuccessThreshold,
		IsFailure:        IsServiceFault,
		OnStateChange: func(ev reliability.StateChangeEvent) {
			r.onBreakerStateChange(name, ev)
		},
	})

	r.services[name] = &entry{
		desc:    desc,
		client:  NewServiceClient(desc),
		breaker: breaker,
	}
	telemetry.BreakerState.WithLabelValues(name).Set(float64(reliability.CircuitClosed))

	if r.logger != nil {
		r.logger.Info(logging.CategoryRegistry, "service_registered", "registered service", map[string]any{
			"service":  name,
			"base_url": desc.BaseURL,
			"required": desc.Required,
		})
	}
	return nil
}

// Call invokes op against the named service's client through its circuit
// breaker. A breaker that is open fails immediately with SERVICE_UNAVAILABLE
// and no network attempt.
func (r *Registry) Call(ctx context.Context, name string, op func(ctx context.Context, c *ServiceClient) error) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}

	start := time.Now()
	execErr := e.breaker.Execute(func() error {
		return op(ctx, e.client)
	})

	var openErr *reliability.CircuitOpenError
	if stderrors.As(execErr, &openErr) {
		telemetry.ServiceCalls.WithLabelValues(name, "short_circuit").Inc()
		return errors.Wrap(execErr, errors.ErrCodeServiceUnavailable, "circuit open").
			WithContext("service", name).
			WithRetryable(false)
	}

	// The breaker saw a real attempt; record it on the health entry.
	e.mu.Lock()
	e.lastChecked = time.Now()
	if execErr != nil && IsServiceFault(execErr) {
		e.lastError = execErr
	} else if execErr == nil {
		e.lastError = nil
	}
	e.mu.Unlock()

	telemetry.ServiceCallDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if execErr != nil {
		telemetry.ServiceCalls.WithLabelValues(name, "error").Inc()
		if stderrors.Is(execErr, context.DeadlineExceeded) {
			return errors.Wrap(execErr, errors.ErrCodeTimeout, "call timed out").
				WithContext("service", name).
				WithRetryable(true)
		}
		return execErr
	}
	telemetry.ServiceCalls.WithLabelValues(name, "ok").Inc()
	return nil
}

// Status returns a snapshot of one service's health state.
func (r *Registry) Status(name string) (ServiceHealth, error) {
	e, err := r.lookup(name)
	if err != nil {
		return ServiceHealth{}, err
	}
	return r.snapshot(e), nil
}

// AllStatuses returns snapshots for every registered service.
func (r *Registry) AllStatuses() map[string]ServiceHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ServiceHealth, len(r.services))
	for name, e := range r.services {
		out[name] = r.snapshot(e)
	}
	return out
}

// Healthy reports aggregate health: true iff no required service's breaker
// is open.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.services {
		if e.desc.Required && e.breaker.State() == reliability.CircuitOpen {
			return false
		}
	}
	return true
}

// StartHealthPolling launches one background poll loop per registered
// service. Polls route through the same breaker accounting as live calls.
func (r *Registry) StartHealthPolling(ctx context.Context) {
	pollCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.pollCancel = cancel
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		r.pollWG.Add(1)
		go r.pollLoop(pollCtx, name)
	}
}

// Stop cancels all polling and waits for the loops to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		r.mu.RLock()
		cancel := r.pollCancel
		r.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		r.pollWG.Wait()
	})
}

func (r *Registry) pollLoop(ctx context.Context, name string) {
	defer r.pollWG.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := r.Call(ctx, name, func(ctx context.Context, c *ServiceClient) error {
				return c.HealthCheck(ctx)
			})
			if err != nil && r.logger != nil {
				r.logger.Warn(logging.CategoryRegistry, "health_poll_failed", "health poll failed", map[string]any{
					"service": name,
					"error":   err.Error(),
				})
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.services[name]
	if !ok {
		return nil, errors.New(errors.ErrCodeServiceNotFound, "service not registered").
			WithContext("service", name)
	}
	return e, nil
}

func (r *Registry) snapshot(e *entry) ServiceHealth {
	e.mu.Lock()
	lastChecked := e.lastChecked
	lastError := e.lastError
	e.mu.Unlock()

	state := e.breaker.State()
	health := ServiceHealth{
		Name:                e.desc.Name,
		State:               state,
		StateName:           state.String(),
		ConsecutiveFailures: e.breaker.ConsecutiveFailures(),
		LastChecked:         lastChecked,
		Required:            e.desc.Required,
	}
	if lastError != nil {
		health.LastError = lastError.Error()
	}
	return health
}

// onBreakerStateChange publishes a service_state_changed event. Transitions
// fire only on actual state changes, which bounds event volume regardless of
// poll frequency.
func (r *Registry) onBreakerStateChange(name string, ev reliability.StateChangeEvent) {
	telemetry.BreakerState.WithLabelValues(name).Set(float64(ev.To))

	if r.logger != nil {
		details := map[string]any{
			"service": name,
			"from":    ev.From.String(),
			"to":      ev.To.String(),
			"reason":  ev.Reason,
		}
		if ev.LastError != nil {
			details["last_error"] = ev.LastError.Error()
		}
		r.logger.Warn(logging.CategoryRegistry, "breaker_state_changed", "circuit state changed", details)
	}

	if r.hub != nil {
		data := map[string]any{
			"from":   ev.From.String(),
			"to":     ev.To.String(),
			"reason": ev.Reason,
		}
		if ev.LastError != nil {
			data["lastError"] = ev.LastError.Error()
		}
		r.hub.Publish(telemetry.Event{
			Type:    telemetry.EventServiceStateChanged,
			Service: name,
			Data:    data,
		})
	}
}
