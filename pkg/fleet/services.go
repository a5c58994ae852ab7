package fleet

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Caller reduces the registry to the one method typed clients need.
type Caller interface {
	Call(ctx context.Context, name string, op func(ctx context.Context, c *ServiceClient) error) error
}

// AgentRef identifies a dispatched agent and the population it serves.
type AgentRef struct {
	ID           string `json:"id"`
	PopulationID string `json:"populationId"`
}

// DispatchFailure records one population the agent service could not staff.
type DispatchFailure struct {
	PopulationID string `json:"populationId"`
	Reason       string `json:"reason"`
}

// DispatchResult is a partial-success outcome: some populations may get
// agents while others fail.
type DispatchResult struct {
	Created []AgentRef        `json:"created"`
	Failed  []DispatchFailure `json:"failed,omitempty"`
}

// DispatchRequest asks the agent service to stand up agents for a trial.
type DispatchRequest struct {
	TrialID       string   `json:"trialId"`
	PopulationIDs []string `json:"populationIds"`
}

// PopulationResult is the evolved outcome for one population.
type PopulationResult struct {
	Fitness  float64  `json:"fitness"`
	Patterns []string `json:"patterns,omitempty"`
}

// AgentStatus is the agent service's view of one running agent.
type AgentStatus struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// AgentServiceClient wraps the agent fleet endpoints.
type AgentServiceClient struct {
	caller Caller
}

// NewAgentServiceClient builds a typed client routed through the registry.
func NewAgentServiceClient(caller Caller) *AgentServiceClient {
	return &AgentServiceClient{caller: caller}
}

// Dispatch creates agents for each population. Dispatch is not idempotent,
// so it is never retried; partial failures come back in the result rather
// than as an error.
func (a *AgentServiceClient) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	var result DispatchResult
	err := a.caller.Call(ctx, ServiceAgents, func(ctx context.Context, c *ServiceClient) error {
		return c.Do(ctx, http.MethodPost, "/v1/agents", req, &result, false)
	})
	return result, err
}

// CollectResults fetches final population outcomes for a trial.
func (a *AgentServiceClient) CollectResults(ctx context.Context, trialID string) (map[string]PopulationResult, error) {
	results := make(map[string]PopulationResult)
	path := fmt.Sprintf("/v1/trials/%s/results", url.PathEscape(trialID))
	err := a.caller.Call(ctx, ServiceAgents, func(ctx context.Context, c *ServiceClient) error {
		return c.Do(ctx, http.MethodGet, path, nil, &results, true)
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Teardown releases a trial's agents. Safe to call more than once.
func (a *AgentServiceClient) Teardown(ctx context.Context, trialID string) error {
	path := fmt.Sprintf("/v1/trials/%s/agents", url.PathEscape(trialID))
	return a.caller.Call(ctx, ServiceAgents, func(ctx context.Context, c *ServiceClient) error {
		return c.Do(ctx, http.MethodDelete, path, nil, nil, true)
	})
}

// Status reports the live state of a trial's agents.
func (a *AgentServiceClient) Status(ctx context.Context, trialID string) ([]AgentStatus, error) {
	var statuses []AgentStatus
	path := fmt.Sprintf("/v1/trials/%s/agents", url.PathEscape(trialID))
	err := a.caller.Call(ctx, ServiceAgents, func(ctx context.Context, c *ServiceClient) error {
		return c.Do(ctx, http.MethodGet, path, nil, &statuses, true)
	})
	if err != nil {
		return nil, err
	}
	return statuses, nil
}

// Scheduler run states.
const (
	RunStatePending   = "pending"
	RunStateRunning   = "running"
	RunStateSucceeded = "succeeded"
	RunStateFailed    = "failed"
)

// RunRequest submits one generation of work to the scheduler.
type RunRequest struct {
	TrialID    string         `json:"trialId"`
	Generation int            `json:"generation"`
	AgentIDs   []string       `json:"agentIds"`
	Params     map[string]any `json:"params,omitempty"`
}

// RunStatus is the scheduler's view of a submitted generation run.
type RunStatus struct {
	RunID       string  `json:"runId"`
	State       string  `json:"state"`
	BestFitness float64 `json:"bestFitness"`
	TokensUsed  int64   `json:"tokensUsed"`
	Message     string  `json:"message,omitempty"`
}

// Terminal reports whether the run has finished, either way.
func (s RunStatus) Terminal() bool {
	return s.State == RunStateSucceeded || s.State == RunStateFailed
}

// SchedulerClient wraps the generation scheduler endpoints.
type SchedulerClient struct {
	caller Caller
}

// NewSchedulerClient builds a typed client routed through the registry.
func NewSchedulerClient(caller Caller) *SchedulerClient {
	return &SchedulerClient{caller: caller}
}

// SubmitRun starts one generation run and returns its id. Submission is not
// idempotent and is never retried.
func (s *SchedulerClient) SubmitRun(ctx context.Context, req RunRequest) (string, error) {
	var resp struct {
		RunID string `json:"runId"`
	}
	err := s.caller.Call(ctx, ServiceScheduler, func(ctx context.Context, c *ServiceClient) error {
		return c.Do(ctx, http.MethodPost, "/v1/runs", req, &resp, false)
	})
	if err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// GetRunStatus polls one run's state.
func (s *SchedulerClient) GetRunStatus(ctx context.Context, runID string) (RunStatus, error) {
	var status RunStatus
	path := fmt.Sprintf("/v1/runs/%s", url.PathEscape(runID))
	err := s.caller.Call(ctx, ServiceScheduler, func(ctx context.Context, c *ServiceClient) error {
		return c.Do(ctx, http.MethodGet, path, nil, &status, true)
	})
	return status, err
}

// Reservation is a granted token budget hold.
type Reservation struct {
	ID     string `json:"id"`
	Tokens int64  `json:"tokens"`
}

// EconomicsClient wraps the token-budget endpoints.
type EconomicsClient struct {
	caller Caller
}

// NewEconomicsClient builds a typed client routed through the registry.
func NewEconomicsClient(caller Caller) *EconomicsClient {
	return &EconomicsClient{caller: caller}
}

// Reserve places a hold on tokens for a trial. Reservation is keyed by trial
// id on the economics side, making retries safe.
func (e *EconomicsClient) Reserve(ctx context.Context, trialID string, tokens int64) (Reservation, error) {
	req := map[string]any{
		"trialId": trialID,
		"tokens":  tokens,
	}
	var res Reservation
	err := e.caller.Call(ctx, ServiceEconomics, func(ctx context.Context, c *ServiceClient) error {
		return c.Do(ctx, http.MethodPost, "/v1/reservations", req, &res, true)
	})
	return res, err
}

// Release returns unused tokens on a reservation. Safe to call more than
// once; the economics service treats repeat releases as no-ops.
func (e *EconomicsClient) Release(ctx context.Context, reservationID string, unusedTokens int64) error {
	req := map[string]any{
		"unusedTokens": unusedTokens,
	}
	path := fmt.Sprintf("/v1/reservations/%s/release", url.PathEscape(reservationID))
	return e.caller.Call(ctx, ServiceEconomics, func(ctx context.Context, c *ServiceClient) error {
		return c.Do(ctx, http.MethodPost, path, req, nil, true)
	})
}
