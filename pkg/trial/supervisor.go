package trial

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/odvcencio/mendel/pkg/errors"
	"github.com/odvcencio/mendel/pkg/logging"
	"github.com/odvcencio/mendel/pkg/telemetry"
)

// SupervisorConfig tunes the supervisor.
type SupervisorConfig struct {
	// MaxConcurrentTrials caps simultaneously running coordinators.
	MaxConcurrentTrials int
	// Coordinator is applied to every trial this supervisor starts.
	Coordinator CoordinatorConfig
	// PersistRetries bounds retries when saving terminal state fails.
	PersistRetries int
	// PersistRetryDelay is the pause between persistence retries.
	PersistRetryDelay time.Duration
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.MaxConcurrentTrials <= 0 {
		c.MaxConcurrentTrials = 4
	}
	if c.PersistRetries <= 0 {
		c.PersistRetries = 3
	}
	if c.PersistRetryDelay <= 0 {
		c.PersistRetryDelay = 500 * time.Millisecond
	}
	return c
}

// Supervisor owns the set of running trial coordinators. It enforces the
// concurrency cap, hands out trial ids, and persists terminal state.
type Supervisor struct {
	cfg    SupervisorConfig
	svc    Services
	store  *Store
	hub    *telemetry.Hub
	logger *logging.Logger

	sem *semaphore.Weighted

	mu     sync.RWMutex
	trials map[string]*Coordinator

	wg sync.WaitGroup
}

// NewSupervisor builds a supervisor. store, hub, and logger may be nil.
func NewSupervisor(cfg SupervisorConfig, svc Services, store *Store, hub *telemetry.Hub, logger *logging.Logger) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		cfg:    cfg,
		svc:    svc,
		store:  store,
		hub:    hub,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentTrials)),
		trials: make(map[string]*Coordinator),
	}
}

// RecoverInterrupted marks stored non-terminal trials as failed. Resuming a
// partially-dispatched trial would require idempotent re-dispatch guarantees
// the agent service does not make, so interrupted trials stay dead.
func (s *Supervisor) RecoverInterrupted() error {
	if s.store == nil {
		return nil
	}
	ids, err := s.store.MarkInterrupted(string(errors.ErrCodeInterrupted), "process restarted while trial was in flight")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodePersistenceFailure, "failed to flag interrupted trials")
	}
	for _, id := range ids {
		s.logWarn("trial_interrupted", "trial interrupted by restart", map[string]any{"trial_id": id})
		if s.hub != nil {
			s.hub.Publish(telemetry.Event{
				Type:    telemetry.EventTrialFailed,
				TrialID: id,
				Data:    map[string]any{"reason": string(errors.ErrCodeInterrupted)},
			})
		}
	}
	return nil
}

// Submit accepts a trial request and starts it in the background. It returns
// the assigned trial id immediately, or CAPACITY_EXCEEDED when the supervisor
// is at its concurrency cap. All later outcomes are observed via Status or
// the event hub, never raised from background work.
func (s *Supervisor) Submit(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		telemetry.TrialsRejected.WithLabelValues("invalid").Inc()
		return "", err
	}

	if !s.sem.TryAcquire(1) {
		telemetry.TrialsRejected.WithLabelValues("capacity").Inc()
		return "", errors.New(errors.ErrCodeCapacityExceeded, "trial concurrency cap reached").
			WithContext("cap", s.cfg.MaxConcurrentTrials)
	}

	id := ulid.Make().String()
	coordinator := NewCoordinator(id, req, s.cfg.Coordinator, s.svc, s.hub, s.logger)

	s.mu.Lock()
	s.trials[id] = coordinator
	s.mu.Unlock()

	telemetry.TrialsSubmitted.Inc()
	telemetry.ActiveTrials.Inc()
	s.logInfo("trial_submitted", "trial accepted", map[string]any{
		"trial_id":    id,
		"populations": len(req.PopulationIDs),
		"generations": req.Generations,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer telemetry.ActiveTrials.Dec()

		final := coordinator.Run(ctx, req.Deadline)
		telemetry.TrialsFinished.WithLabelValues(string(final.Phase)).Inc()
		s.persistTerminal(final)
	}()

	return id, nil
}

// Status returns a snapshot of one trial's state, checking live coordinators
// first and falling back to durable storage for trials from before a restart.
func (s *Supervisor) Status(id string) (State, error) {
	s.mu.RLock()
	coordinator, ok := s.trials[id]
	s.mu.RUnlock()
	if ok {
		return coordinator.Snapshot(), nil
	}

	if s.store != nil {
		state, err := s.store.Load(id)
		if err == nil {
			return state, nil
		}
		if !stderrors.Is(err, ErrTrialNotFound) {
			return State{}, errors.Wrap(err, errors.ErrCodePersistenceFailure, "failed to load trial").
				WithContext("trial_id", id)
		}
	}
	return State{}, errors.New(errors.ErrCodeNotFound, "unknown trial").WithContext("trial_id", id)
}

// List returns snapshots of all trials the supervisor knows about, live
// first, then stored terminal trials not already listed.
func (s *Supervisor) List() []State {
	s.mu.RLock()
	states := make([]State, 0, len(s.trials))
	seen := make(map[string]struct{}, len(s.trials))
	for id, coordinator := range s.trials {
		states = append(states, coordinator.Snapshot())
		seen[id] = struct{}{}
	}
	s.mu.RUnlock()

	if s.store != nil {
		stored, err := s.store.ListTerminal()
		if err != nil {
			s.logWarn("list_stored_failed", "failed to list stored trials", map[string]any{"error": err.Error()})
		}
		for _, state := range stored {
			if _, dup := seen[state.ID]; !dup {
				states = append(states, state)
			}
		}
	}
	return states
}

// Cancel requests cancellation of a running trial. Unknown or already
// terminal trials fail with NOT_FOUND.
func (s *Supervisor) Cancel(id string) error {
	s.mu.RLock()
	coordinator, ok := s.trials[id]
	s.mu.RUnlock()
	if !ok {
		return errors.New(errors.ErrCodeNotFound, "unknown trial").WithContext("trial_id", id)
	}
	if coordinator.Snapshot().Phase.Terminal() {
		return errors.New(errors.ErrCodeNotFound, "trial already terminal").WithContext("trial_id", id)
	}
	coordinator.Cancel()
	return nil
}

// Shutdown cancels every running trial and waits for their coordinators to
// reach a terminal state and persist.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	for _, coordinator := range s.trials {
		coordinator.Cancel()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persistTerminal saves a terminal snapshot with bounded retries. Exhausting
// them leaves the outcome known in memory but not durably recorded; that is a
// logged degradation, not a crash.
func (s *Supervisor) persistTerminal(state State) {
	if s.store == nil {
		return
	}

	var err error
	for attempt := 0; attempt <= s.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.cfg.PersistRetryDelay)
		}
		if err = s.store.Save(state); err == nil {
			return
		}
		telemetry.PersistenceFailures.Inc()
	}

	s.logError("persist_failed", "terminal trial state not durably recorded", map[string]any{
		"trial_id": state.ID,
		"phase":    string(state.Phase),
		"error":    err.Error(),
	})
}

func (s *Supervisor) logInfo(event, msg string, details map[string]any) {
	if s.logger != nil {
		s.logger.Info(logging.CategoryTrial, event, msg, details)
	}
}

func (s *Supervisor) logWarn(event, msg string, details map[string]any) {
	if s.logger != nil {
		s.logger.Warn(logging.CategoryTrial, event, msg, details)
	}
}

func (s *Supervisor) logError(event, msg string, details map[string]any) {
	if s.logger != nil {
		s.logger.Error(logging.CategoryTrial, event, msg, details)
	}
}
