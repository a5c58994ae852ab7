package trial

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/odvcencio/mendel/pkg/errors"
	"github.com/odvcencio/mendel/pkg/fleet"
	"github.com/odvcencio/mendel/pkg/logging"
	"github.com/odvcencio/mendel/pkg/telemetry"
)

// CoordinatorConfig tunes the per-trial state machine.
type CoordinatorConfig struct {
	// PollInterval is how often the scheduler is polled for run status.
	PollInterval time.Duration
	// MaxGenerationWait bounds how long one generation run may take.
	MaxGenerationWait time.Duration
	// MaxConsecutiveGenerationFailures fails the trial once this many
	// generations fail back to back.
	MaxConsecutiveGenerationFailures int
	// EarlyStopWindow, when > 0, stops the trial early after this many
	// generations without a fitness improvement.
	EarlyStopWindow int
	// EarlyStopMinImprovement is the fitness delta that counts as progress.
	EarlyStopMinImprovement float64
	// TeardownTimeout bounds best-effort cleanup calls on failure paths.
	TeardownTimeout time.Duration
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxGenerationWait <= 0 {
		c.MaxGenerationWait = 10 * time.Minute
	}
	if c.MaxConsecutiveGenerationFailures <= 0 {
		c.MaxConsecutiveGenerationFailures = 2
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 30 * time.Second
	}
	return c
}

// Coordinator drives a single trial through its lifecycle. One coordinator
// per trial; it is the only writer of its trial's state.
type Coordinator struct {
	cfg    CoordinatorConfig
	svc    Services
	hub    *telemetry.Hub
	logger *logging.Logger

	mu    sync.RWMutex
	state State

	cancelMu  sync.Mutex
	cancelRun context.CancelCauseFunc
	cancelled bool
}

// errCancelRequested distinguishes an explicit cancel from other causes.
var errCancelRequested = fmt.Errorf("trial cancel requested")

// NewCoordinator builds a coordinator for one accepted request. hub and
// logger may be nil in tests.
func NewCoordinator(id string, req Request, cfg CoordinatorConfig, svc Services, hub *telemetry.Hub, logger *logging.Logger) *Coordinator {
	return &Coordinator{
		cfg:    cfg.withDefaults(),
		svc:    svc,
		hub:    hub,
		logger: logger,
		state: State{
			ID:            id,
			Phase:         PhasePending,
			PopulationIDs: append([]string(nil), req.PopulationIDs...),
			Generations:   req.Generations,
			TokenBudget:   req.TokenBudget,
			CreatedAt:     time.Now(),
		},
	}
}

// Snapshot returns a copy of the trial's current state.
func (c *Coordinator) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}

// Cancel requests termination. It returns immediately; the trial reaches
// failed/CANCELLED within one poll or call timeout. Safe to call more than
// once and after the trial is terminal.
func (c *Coordinator) Cancel() {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	c.cancelled = true
	if c.cancelRun != nil {
		c.cancelRun(errCancelRequested)
	}
}

// Run executes the trial to a terminal phase. It always returns the terminal
// state; errors are recorded into the state, never propagated.
func (c *Coordinator) Run(ctx context.Context, deadline time.Time) State {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if !deadline.IsZero() {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}

	c.cancelMu.Lock()
	c.cancelRun = cancel
	alreadyCancelled := c.cancelled
	c.cancelMu.Unlock()
	if alreadyCancelled {
		cancel(errCancelRequested)
	}

	c.mu.Lock()
	c.state.StartedAt = time.Now()
	c.mu.Unlock()
	c.publish(telemetry.EventTrialStarted, map[string]any{
		"populations": len(c.state.PopulationIDs),
		"generations": c.state.Generations,
		"tokenBudget": c.state.TokenBudget,
	})

	c.run(runCtx)
	return c.Snapshot()
}

func (c *Coordinator) run(ctx context.Context) {
	id := c.state.ID

	// pending -> budget_allocated
	reservation, err := c.svc.Economics.Reserve(ctx, id, c.state.TokenBudget)
	if err != nil {
		c.fail(ctx, classifyFailure(ctx, err, errors.ErrCodeBudgetExhausted), err, false, false)
		return
	}
	reserved := reservation.Tokens
	if reserved <= 0 {
		reserved = c.state.TokenBudget
	}
	c.mu.Lock()
	c.state.ReservationID = reservation.ID
	c.mu.Unlock()
	c.setPhase(PhaseBudgetAllocated, nil)

	if c.checkCancelled(ctx, true, false) {
		return
	}

	// budget_allocated -> agents_dispatched
	result, err := c.svc.Agents.Dispatch(ctx, fleet.DispatchRequest{
		TrialID:       id,
		PopulationIDs: c.state.PopulationIDs,
	})
	if err != nil {
		c.fail(ctx, classifyFailure(ctx, err, errors.ErrCodeDispatchFailed), err, true, false)
		return
	}
	if len(result.Created) == 0 {
		err := errors.New(errors.ErrCodeDispatchFailed, "no agents dispatched").
			WithContext("failed_populations", len(result.Failed))
		c.fail(ctx, errors.ErrCodeDispatchFailed, err, true, false)
		return
	}
	if len(result.Failed) > 0 {
		// Proceed with the subset that dispatched; hand back the failed
		// populations' share of the budget.
		share := reserved / int64(len(c.state.PopulationIDs)) * int64(len(result.Failed))
		if share > 0 {
			c.releaseBudget(ctx, share)
			reserved -= share
		}
		for _, f := range result.Failed {
			c.logWarn("dispatch_partial_failure", "population not dispatched", map[string]any{
				"trial_id":   id,
				"population": f.PopulationID,
				"reason":     f.Reason,
			})
		}
	}

	agentIDs := make([]string, len(result.Created))
	for i, ref := range result.Created {
		agentIDs[i] = ref.ID
	}
	c.mu.Lock()
	c.state.AgentIDs = agentIDs
	c.mu.Unlock()
	c.setPhase(PhaseAgentsDispatched, map[string]any{"agents": len(agentIDs)})

	// generation_running, once per generation
	var (
		tokensUsed          int64
		consecutiveFailures int
		bestFitness         float64
		haveBest            bool
		sinceImprovement    int
	)
	for gen := 1; gen <= c.state.Generations; gen++ {
		if c.checkCancelled(ctx, true, true) {
			return
		}

		c.mu.Lock()
		c.state.Phase = PhaseGenerationRunning
		c.state.Generation = gen
		c.mu.Unlock()
		c.publish(telemetry.EventTrialPhaseChanged, map[string]any{
			"phase":      string(PhaseGenerationRunning),
			"generation": gen,
		})

		genResult := c.runGeneration(ctx, gen, agentIDs)
		if c.checkCancelled(ctx, true, true) {
			return
		}

		tokensUsed += genResult.TokensUsed
		c.mu.Lock()
		c.state.GenerationResults = append(c.state.GenerationResults, genResult)
		c.mu.Unlock()

		if !genResult.Succeeded {
			telemetry.GenerationsRun.WithLabelValues("failed").Inc()
			consecutiveFailures++
			c.logWarn("generation_failed", "generation run failed", map[string]any{
				"trial_id":             c.state.ID,
				"generation":           gen,
				"consecutive_failures": consecutiveFailures,
				"message":              genResult.Message,
			})
			if consecutiveFailures >= c.cfg.MaxConsecutiveGenerationFailures {
				err := errors.New(errors.ErrCodeGenerationFailed, "too many consecutive generation failures").
					WithContext("generation", gen).
					WithContext("consecutive_failures", consecutiveFailures)
				c.fail(ctx, errors.ErrCodeGenerationFailed, err, true, true)
				return
			}
			continue
		}

		telemetry.GenerationsRun.WithLabelValues("succeeded").Inc()
		consecutiveFailures = 0

		if !haveBest || genResult.BestFitness > bestFitness+c.cfg.EarlyStopMinImprovement {
			bestFitness = genResult.BestFitness
			haveBest = true
			sinceImprovement = 0
		} else {
			sinceImprovement++
			if c.cfg.EarlyStopWindow > 0 && sinceImprovement >= c.cfg.EarlyStopWindow {
				c.logInfo("early_stop", "fitness plateau, stopping early", map[string]any{
					"trial_id":            c.state.ID,
					"generation":          gen,
					"best_fitness":        bestFitness,
					"stalled_generations": sinceImprovement,
				})
				break
			}
		}
	}

	if c.checkCancelled(ctx, true, true) {
		return
	}

	// collecting_results
	c.setPhase(PhaseCollectingResults, nil)
	popResults, err := c.svc.Agents.CollectResults(ctx, c.state.ID)
	if err != nil {
		c.fail(ctx, classifyFailure(ctx, err, errors.ErrCodeGenerationFailed), err, true, true)
		return
	}
	c.mu.Lock()
	c.state.PopulationResults = popResults
	c.mu.Unlock()

	// collecting_results -> completed
	if unused := reserved - tokensUsed; unused > 0 {
		c.releaseBudget(ctx, unused)
	}
	c.teardownAgents(ctx)

	c.mu.Lock()
	c.state.Phase = PhaseCompleted
	c.state.CompletedAt = time.Now()
	c.mu.Unlock()
	c.publish(telemetry.EventTrialPhaseChanged, map[string]any{"phase": string(PhaseCompleted)})
	c.publish(telemetry.EventTrialCompleted, map[string]any{
		"generations": len(c.state.GenerationResults),
		"populations": len(popResults),
	})
	c.logInfo("trial_completed", "trial completed", map[string]any{
		"trial_id":    c.state.ID,
		"generations": len(c.state.GenerationResults),
		"tokens_used": tokensUsed,
	})
}

// runGeneration submits one scheduler run and polls it to a terminal state.
// All failures come back as an unsuccessful result, never an error; the
// caller's consecutive-failure accounting decides whether the trial dies.
func (c *Coordinator) runGeneration(ctx context.Context, gen int, agentIDs []string) GenerationResult {
	result := GenerationResult{Generation: gen}

	runID, err := c.svc.Scheduler.SubmitRun(ctx, fleet.RunRequest{
		TrialID:    c.state.ID,
		Generation: gen,
		AgentIDs:   agentIDs,
	})
	if err != nil {
		result.Message = fmt.Sprintf("submit failed: %v", err)
		return result
	}
	result.RunID = runID

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.MaxGenerationWait)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				result.Message = "trial cancelled while polling"
				return result
			}
			result.Message = fmt.Sprintf("run %s did not finish within %v", runID, c.cfg.MaxGenerationWait)
			return result
		case <-ticker.C:
		}

		status, err := c.svc.Scheduler.GetRunStatus(waitCtx, runID)
		if err != nil {
			// Transient poll failures are absorbed by the wait budget.
			c.logWarn("run_poll_failed", "scheduler poll failed", map[string]any{
				"trial_id": c.state.ID,
				"run_id":   runID,
				"error":    err.Error(),
			})
			continue
		}
		if !status.Terminal() {
			continue
		}

		result.BestFitness = status.BestFitness
		result.TokensUsed = status.TokensUsed
		result.Message = status.Message
		result.Succeeded = status.State == fleet.RunStateSucceeded
		return result
	}
}

// checkCancelled handles a cancelled or deadline-expired context at a phase
// boundary. Returns true if the trial was terminated.
func (c *Coordinator) checkCancelled(ctx context.Context, releaseBudget, teardown bool) bool {
	if ctx.Err() == nil {
		return false
	}
	cause := context.Cause(ctx)
	msg := "trial cancelled"
	if cause == context.DeadlineExceeded {
		msg = "trial deadline exceeded"
	}
	err := errors.Wrap(cause, errors.ErrCodeCancelled, msg)
	c.fail(ctx, errors.ErrCodeCancelled, err, releaseBudget, teardown)
	return true
}

// fail drives the trial into its terminal failed phase with best-effort
// compensation. Cleanup failures are logged, never re-raised; failure must
// always complete.
func (c *Coordinator) fail(ctx context.Context, reason errors.ErrorCode, cause error, releaseBudget, teardown bool) {
	if releaseBudget {
		c.releaseBudget(ctx, -1)
	}
	if teardown {
		c.teardownAgents(ctx)
	}

	c.mu.Lock()
	c.state.FailureReason = reason
	if cause != nil {
		c.state.Error = cause.Error()
	}
	c.state.Phase = PhaseFailed
	c.state.CompletedAt = time.Now()
	c.mu.Unlock()

	c.publish(telemetry.EventTrialFailed, map[string]any{
		"reason": string(reason),
		"error":  c.state.Error,
	})
	c.publish(telemetry.EventTrialPhaseChanged, map[string]any{"phase": string(PhaseFailed)})
	c.logError("trial_failed", "trial failed", map[string]any{
		"trial_id": c.state.ID,
		"reason":   string(reason),
		"error":    c.state.Error,
	})
}

// releaseBudget hands tokens back to the economics service. amount < 0 means
// the full remaining reservation. Best effort: failures are logged only.
func (c *Coordinator) releaseBudget(ctx context.Context, amount int64) {
	c.mu.RLock()
	reservationID := c.state.ReservationID
	budget := c.state.TokenBudget
	c.mu.RUnlock()
	if reservationID == "" {
		return
	}
	if amount < 0 {
		amount = budget
	}

	// Cleanup must run even when the trial context is already cancelled.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.TeardownTimeout)
	defer cancel()

	if err := c.svc.Economics.Release(cleanupCtx, reservationID, amount); err != nil {
		c.logWarn("budget_release_failed", "budget release failed", map[string]any{
			"trial_id":    c.state.ID,
			"reservation": reservationID,
			"tokens":      amount,
			"error":       err.Error(),
		})
	}
}

// teardownAgents releases the trial's agents. Best effort.
func (c *Coordinator) teardownAgents(ctx context.Context) {
	c.mu.RLock()
	hasAgents := len(c.state.AgentIDs) > 0
	c.mu.RUnlock()
	if !hasAgents {
		return
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.TeardownTimeout)
	defer cancel()

	if err := c.svc.Agents.Teardown(cleanupCtx, c.state.ID); err != nil {
		c.logWarn("teardown_failed", "agent teardown failed", map[string]any{
			"trial_id": c.state.ID,
			"error":    err.Error(),
		})
	}
}

func (c *Coordinator) setPhase(phase Phase, extra map[string]any) {
	c.mu.Lock()
	c.state.Phase = phase
	c.mu.Unlock()

	data := map[string]any{"phase": string(phase)}
	for k, v := range extra {
		data[k] = v
	}
	c.publish(telemetry.EventTrialPhaseChanged, data)
}

func (c *Coordinator) publish(eventType telemetry.EventType, data map[string]any) {
	if c.hub == nil {
		return
	}
	c.hub.Publish(telemetry.Event{
		Type:    eventType,
		TrialID: c.state.ID,
		Data:    data,
	})
}

func (c *Coordinator) logInfo(event, msg string, details map[string]any) {
	if c.logger != nil {
		c.logger.Info(logging.CategoryTrial, event, msg, details)
	}
}

func (c *Coordinator) logWarn(event, msg string, details map[string]any) {
	if c.logger != nil {
		c.logger.Warn(logging.CategoryTrial, event, msg, details)
	}
}

func (c *Coordinator) logError(event, msg string, details map[string]any) {
	if c.logger != nil {
		c.logger.Error(logging.CategoryTrial, event, msg, details)
	}
}

// classifyFailure maps a collaborator error to a trial failure reason. A
// cancelled context always wins; availability and timeout codes pass through;
// anything else gets the phase's default reason.
func classifyFailure(ctx context.Context, err error, fallback errors.ErrorCode) errors.ErrorCode {
	if ctx.Err() != nil {
		return errors.ErrCodeCancelled
	}
	switch errors.GetCode(err) {
	case errors.ErrCodeServiceUnavailable:
		return errors.ErrCodeServiceUnavailable
	case errors.ErrCodeTimeout:
		return errors.ErrCodeTimeout
	}
	return fallback
}
