package fleet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFleetServer(t *testing.T, handler http.Handler) (*Registry, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	r := testRegistry(t, RegistryConfig{})
	for _, name := range []string{ServiceAgents, ServiceScheduler, ServiceEconomics} {
		registerTestService(t, r, name, server.URL)
	}
	return r, server
}

func TestAgentServiceDispatchPartialSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/agents", func(w http.ResponseWriter, r *http.Request) {
		var req DispatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "trial-1", req.TrialID)
		assert.Equal(t, []string{"pop-a", "pop-b"}, req.PopulationIDs)

		json.NewEncoder(w).Encode(DispatchResult{
			Created: []AgentRef{{ID: "agent-1", PopulationID: "pop-a"}},
			Failed:  []DispatchFailure{{PopulationID: "pop-b", Reason: "no capacity"}},
		})
	})

	registry, _ := newFleetServer(t, mux)
	agents := NewAgentServiceClient(registry)

	result, err := agents.Dispatch(context.Background(), DispatchRequest{
		TrialID:       "trial-1",
		PopulationIDs: []string{"pop-a", "pop-b"},
	})
	require.NoError(t, err)
	require.Len(t, result.Created, 1)
	assert.Equal(t, "agent-1", result.Created[0].ID)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "pop-b", result.Failed[0].PopulationID)
}

func TestAgentServiceCollectResults(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/trials/trial-1/results", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]PopulationResult{
			"pop-a": {Fitness: 0.91, Patterns: []string{"caching"}},
			"pop-b": {Fitness: 0.42},
		})
	})

	registry, _ := newFleetServer(t, mux)
	agents := NewAgentServiceClient(registry)

	results, err := agents.CollectResults(context.Background(), "trial-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.InDelta(t, 0.91, results["pop-a"].Fitness, 1e-9)
	assert.Equal(t, []string{"caching"}, results["pop-a"].Patterns)
}

func TestAgentServiceTeardown(t *testing.T) {
	var torn bool
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /v1/trials/trial-1/agents", func(w http.ResponseWriter, r *http.Request) {
		torn = true
		w.WriteHeader(http.StatusOK)
	})

	registry, _ := newFleetServer(t, mux)
	agents := NewAgentServiceClient(registry)

	require.NoError(t, agents.Teardown(context.Background(), "trial-1"))
	assert.True(t, torn)
}

func TestSchedulerSubmitAndPoll(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs", func(w http.ResponseWriter, r *http.Request) {
		var req RunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 2, req.Generation)
		assert.Equal(t, []string{"agent-1"}, req.AgentIDs)
		json.NewEncoder(w).Encode(map[string]string{"runId": "run-7"})
	})
	mux.HandleFunc("GET /v1/runs/run-7", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RunStatus{
			RunID:       "run-7",
			State:       RunStateSucceeded,
			BestFitness: 0.88,
		})
	})

	registry, _ := newFleetServer(t, mux)
	scheduler := NewSchedulerClient(registry)

	runID, err := scheduler.SubmitRun(context.Background(), RunRequest{
		TrialID:    "trial-1",
		Generation: 2,
		AgentIDs:   []string{"agent-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "run-7", runID)

	status, err := scheduler.GetRunStatus(context.Background(), "run-7")
	require.NoError(t, err)
	assert.True(t, status.Terminal())
	assert.InDelta(t, 0.88, status.BestFitness, 1e-9)
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunStatus{State: RunStatePending}.Terminal())
	assert.False(t, RunStatus{State: RunStateRunning}.Terminal())
	assert.True(t, RunStatus{State: RunStateSucceeded}.Terminal())
	assert.True(t, RunStatus{State: RunStateFailed}.Terminal())
}

func TestEconomicsReserveAndRelease(t *testing.T) {
	var releasedUnused int64 = -1
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/reservations", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "trial-1", req["trialId"])
		json.NewEncoder(w).Encode(Reservation{ID: "res-3", Tokens: 5000})
	})
	mux.HandleFunc("POST /v1/reservations/res-3/release", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UnusedTokens int64 `json:"unusedTokens"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		releasedUnused = req.UnusedTokens
		w.WriteHeader(http.StatusOK)
	})

	registry, _ := newFleetServer(t, mux)
	economics := NewEconomicsClient(registry)

	res, err := economics.Reserve(context.Background(), "trial-1", 5000)
	require.NoError(t, err)
	assert.Equal(t, "res-3", res.ID)
	assert.Equal(t, int64(5000), res.Tokens)

	require.NoError(t, economics.Release(context.Background(), "res-3", 1200))
	assert.Equal(t, int64(1200), releasedUnused)
}
