package trial

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/mendel/pkg/errors"
	"github.com/odvcencio/mendel/pkg/fleet"
	"github.com/odvcencio/mendel/pkg/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStoreFromStorage(db)
}

func testSupervisor(t *testing.T, cfg SupervisorConfig, svc Services, store *Store) *Supervisor {
	t.Helper()
	cfg.Coordinator = fastConfig()
	s := NewSupervisor(cfg, svc, store, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func waitTerminal(t *testing.T, s *Supervisor, id string) State {
	t.Helper()
	var state State
	require.Eventually(t, func() bool {
		var err error
		state, err = s.Status(id)
		return err == nil && state.Phase.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return state
}

func TestSupervisorSubmitRunsTrialToCompletion(t *testing.T) {
	svc, _, agents, _ := testServices()
	agents.results = map[string]fleet.PopulationResult{"pop-a": {Fitness: 0.8}}

	s := testSupervisor(t, SupervisorConfig{MaxConcurrentTrials: 2}, svc, testStore(t))

	id, err := s.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	final := waitTerminal(t, s, id)
	assert.Equal(t, PhaseCompleted, final.Phase)
	assert.Equal(t, id, final.ID)
}

func TestSupervisorRejectsInvalidRequest(t *testing.T) {
	svc, _, _, _ := testServices()
	s := testSupervisor(t, SupervisorConfig{}, svc, nil)

	_, err := s.Submit(context.Background(), Request{Generations: 1, TokenBudget: 100})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))

	_, err = s.Submit(context.Background(), Request{PopulationIDs: []string{"a"}, TokenBudget: 100})
	require.Error(t, err)

	_, err = s.Submit(context.Background(), Request{PopulationIDs: []string{"a"}, Generations: 1})
	require.Error(t, err)
}

func TestSupervisorEnforcesConcurrencyCap(t *testing.T) {
	svc, _, _, scheduler := testServices()
	scheduler.neverFinish = true

	cfg := SupervisorConfig{MaxConcurrentTrials: 2}
	s := NewSupervisor(cfg, svc, nil, nil, nil)
	s.cfg.Coordinator = fastConfig()
	s.cfg.Coordinator.MaxGenerationWait = 10 * time.Second
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	}()

	id1, err := s.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	id2, err := s.Submit(context.Background(), testRequest())
	require.NoError(t, err)

	// Let both trials reach their polling loops.
	require.Eventually(t, func() bool {
		return len(scheduler.submissions()) == 2
	}, 5*time.Second, time.Millisecond)

	// The cap-plus-one submission is rejected synchronously, before any work.
	_, err = s.Submit(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCapacityExceeded))
	assert.Len(t, scheduler.submissions(), 2)

	// Finishing a trial frees a slot.
	require.NoError(t, s.Cancel(id1))
	waitTerminal(t, s, id1)

	id3, err := s.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	assert.NotEqual(t, id2, id3)
}

func TestSupervisorStatusUnknownTrial(t *testing.T) {
	svc, _, _, _ := testServices()
	s := testSupervisor(t, SupervisorConfig{}, svc, testStore(t))

	_, err := s.Status("no-such-trial")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestSupervisorStatusIdempotentAfterCompletion(t *testing.T) {
	svc, _, agents, _ := testServices()
	agents.results = map[string]fleet.PopulationResult{"pop-a": {Fitness: 0.8}}

	s := testSupervisor(t, SupervisorConfig{}, svc, testStore(t))

	id, err := s.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	first := waitTerminal(t, s, id)

	for i := 0; i < 5; i++ {
		again, err := s.Status(id)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSupervisorCancel(t *testing.T) {
	svc, _, _, scheduler := testServices()
	scheduler.neverFinish = true

	s := testSupervisor(t, SupervisorConfig{}, svc, nil)
	s.cfg.Coordinator.MaxGenerationWait = 10 * time.Second

	id, err := s.Submit(context.Background(), testRequest())
	require.NoError(t, err)

	require.NoError(t, s.Cancel(id))
	final := waitTerminal(t, s, id)
	assert.Equal(t, PhaseFailed, final.Phase)
	assert.Equal(t, errors.ErrCodeCancelled, final.FailureReason)

	// Cancelling a terminal trial is NOT_FOUND.
	err = s.Cancel(id)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	err = s.Cancel("never-existed")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestSupervisorPersistsTerminalState(t *testing.T) {
	svc, _, agents, _ := testServices()
	agents.results = map[string]fleet.PopulationResult{"pop-a": {Fitness: 0.8}}

	store := testStore(t)
	s := testSupervisor(t, SupervisorConfig{}, svc, store)

	id, err := s.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	waitTerminal(t, s, id)

	require.Eventually(t, func() bool {
		stored, err := store.Load(id)
		return err == nil && stored.Phase == PhaseCompleted
	}, 5*time.Second, 5*time.Millisecond)

	stored, err := store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"pop-a", "pop-b"}, stored.PopulationIDs)
	assert.Len(t, stored.GenerationResults, 3)
	assert.InDelta(t, 0.8, stored.PopulationResults["pop-a"].Fitness, 1e-9)
}

func TestSupervisorSurvivesPersistFailure(t *testing.T) {
	svc, _, agents, _ := testServices()
	agents.results = map[string]fleet.PopulationResult{"pop-a": {Fitness: 0.8}}

	// A store whose writes always fail: the database is closed underneath it.
	db, err := storage.New(":memory:")
	require.NoError(t, err)
	store := NewStoreFromStorage(db)
	require.NoError(t, db.Close())

	s := testSupervisor(t, SupervisorConfig{
		PersistRetries:    1,
		PersistRetryDelay: time.Millisecond,
	}, svc, store)

	id, err := s.Submit(context.Background(), testRequest())
	require.NoError(t, err)

	final := waitTerminal(t, s, id)
	assert.Equal(t, PhaseCompleted, final.Phase)

	// Shutdown waits out the persistence retries; exhausting them is a logged
	// degradation and the outcome stays available in memory.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	again, err := s.Status(id)
	require.NoError(t, err)
	assert.Equal(t, final, again)
}

func TestSupervisorRecoverInterrupted(t *testing.T) {
	store := testStore(t)

	// Simulate trials left behind by a previous process.
	require.NoError(t, store.Save(State{
		ID: "trial-live", Phase: PhaseGenerationRunning,
		PopulationIDs: []string{"pop-a"}, Generations: 3, TokenBudget: 100,
		CreatedAt: time.Now(),
	}))
	require.NoError(t, store.Save(State{
		ID: "trial-done", Phase: PhaseCompleted,
		PopulationIDs: []string{"pop-a"}, Generations: 3, TokenBudget: 100,
		CreatedAt: time.Now(),
	}))

	svc, _, _, _ := testServices()
	s := testSupervisor(t, SupervisorConfig{}, svc, store)
	require.NoError(t, s.RecoverInterrupted())

	interrupted, err := s.Status("trial-live")
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, interrupted.Phase)
	assert.Equal(t, errors.ErrCodeInterrupted, interrupted.FailureReason)

	done, err := s.Status("trial-done")
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, done.Phase)
}

func TestSupervisorList(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.Save(State{
		ID: "trial-old", Phase: PhaseFailed,
		PopulationIDs: []string{"pop-a"}, Generations: 1, TokenBudget: 100,
		FailureReason: errors.ErrCodeInterrupted,
		CreatedAt:     time.Now().Add(-time.Hour),
	}))

	svc, _, agents, _ := testServices()
	agents.results = map[string]fleet.PopulationResult{"pop-a": {Fitness: 0.8}}
	s := testSupervisor(t, SupervisorConfig{}, svc, store)

	id, err := s.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	waitTerminal(t, s, id)

	trials := s.List()
	ids := make(map[string]bool, len(trials))
	for _, state := range trials {
		ids[state.ID] = true
	}
	assert.True(t, ids[id])
	assert.True(t, ids["trial-old"])
}
