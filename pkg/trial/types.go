package trial

import (
	"context"
	"time"

	"github.com/odvcencio/mendel/pkg/errors"
	"github.com/odvcencio/mendel/pkg/fleet"
)

// Phase is one step in a trial's lifecycle. Phases only move forward, except
// into failed, which is reachable from every non-terminal phase.
type Phase string

const (
	PhasePending           Phase = "pending"
	PhaseBudgetAllocated   Phase = "budget_allocated"
	PhaseAgentsDispatched  Phase = "agents_dispatched"
	PhaseGenerationRunning Phase = "generation_running"
	PhaseCollectingResults Phase = "collecting_results"
	PhaseCompleted         Phase = "completed"
	PhaseFailed            Phase = "failed"
)

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Request describes a trial to run. Immutable once accepted.
type Request struct {
	// PopulationIDs is the non-empty set of populations to evolve.
	PopulationIDs []string `json:"populationIds"`
	// Generations is the number of evolution rounds to run, > 0.
	Generations int `json:"generations"`
	// TokenBudget is the total token budget to reserve, > 0.
	TokenBudget int64 `json:"tokenBudget"`
	// Deadline, when non-zero, bounds the whole trial.
	Deadline time.Time `json:"deadline,omitempty"`
}

// Validate checks a request before accepting it.
func (r Request) Validate() error {
	if len(r.PopulationIDs) == 0 {
		return errors.New(errors.ErrCodeInvalidInput, "at least one population id is required")
	}
	seen := make(map[string]struct{}, len(r.PopulationIDs))
	for _, id := range r.PopulationIDs {
		if id == "" {
			return errors.New(errors.ErrCodeInvalidInput, "population ids must be non-empty")
		}
		if _, dup := seen[id]; dup {
			return errors.New(errors.ErrCodeInvalidInput, "duplicate population id").
				WithContext("population", id)
		}
		seen[id] = struct{}{}
	}
	if r.Generations <= 0 {
		return errors.New(errors.ErrCodeInvalidInput, "generations must be positive")
	}
	if r.TokenBudget <= 0 {
		return errors.New(errors.ErrCodeInvalidInput, "token budget must be positive")
	}
	return nil
}

// GenerationResult records the outcome of one generation run.
type GenerationResult struct {
	Generation  int     `json:"generation"`
	RunID       string  `json:"runId,omitempty"`
	Succeeded   bool    `json:"succeeded"`
	BestFitness float64 `json:"bestFitness"`
	TokensUsed  int64   `json:"tokensUsed"`
	Message     string  `json:"message,omitempty"`
}

// State is the full record of one trial. Owned by its coordinator while
// active; callers only ever see copies.
type State struct {
	ID            string   `json:"id"`
	Phase         Phase    `json:"phase"`
	PopulationIDs []string `json:"populationIds"`
	Generations   int      `json:"generations"`
	TokenBudget   int64    `json:"tokenBudget"`

	ReservationID string   `json:"reservationId,omitempty"`
	AgentIDs      []string `json:"agentIds,omitempty"`

	// Generation is the 1-based index of the generation in progress, or the
	// last one attempted.
	Generation        int                               `json:"generation"`
	GenerationResults []GenerationResult                `json:"generationResults,omitempty"`
	PopulationResults map[string]fleet.PopulationResult `json:"populationResults,omitempty"`

	FailureReason errors.ErrorCode `json:"failureReason,omitempty"`
	Error         string           `json:"error,omitempty"`

	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (s State) Clone() State {
	out := s
	out.PopulationIDs = append([]string(nil), s.PopulationIDs...)
	out.AgentIDs = append([]string(nil), s.AgentIDs...)
	out.GenerationResults = append([]GenerationResult(nil), s.GenerationResults...)
	if s.PopulationResults != nil {
		out.PopulationResults = make(map[string]fleet.PopulationResult, len(s.PopulationResults))
		for k, v := range s.PopulationResults {
			v.Patterns = append([]string(nil), v.Patterns...)
			out.PopulationResults[k] = v
		}
	}
	return out
}

// AgentService is the slice of the agent fleet the coordinator needs.
type AgentService interface {
	Dispatch(ctx context.Context, req fleet.DispatchRequest) (fleet.DispatchResult, error)
	CollectResults(ctx context.Context, trialID string) (map[string]fleet.PopulationResult, error)
	Teardown(ctx context.Context, trialID string) error
}

// SchedulerService submits and polls generation runs.
type SchedulerService interface {
	SubmitRun(ctx context.Context, req fleet.RunRequest) (string, error)
	GetRunStatus(ctx context.Context, runID string) (fleet.RunStatus, error)
}

// EconomicsService reserves and releases token budget.
type EconomicsService interface {
	Reserve(ctx context.Context, trialID string, tokens int64) (fleet.Reservation, error)
	Release(ctx context.Context, reservationID string, unusedTokens int64) error
}

// Services bundles the external collaborators a coordinator calls.
type Services struct {
	Agents    AgentService
	Scheduler SchedulerService
	Economics EconomicsService
}
