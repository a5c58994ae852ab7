package trial

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mendelerrors "github.com/odvcencio/mendel/pkg/errors"
	"github.com/odvcencio/mendel/pkg/fleet"
	"github.com/odvcencio/mendel/pkg/storage"
)

// ErrStoreUnavailable indicates the trial store is not configured.
var ErrStoreUnavailable = errors.New("trial store unavailable")

// ErrTrialNotFound indicates no stored trial matches the id.
var ErrTrialNotFound = errors.New("trial not found")

// Store persists trial state. The supervisor writes terminal snapshots and
// reads them back after restart; live trials exist only in memory.
type Store struct {
	db *sql.DB
}

// NewStore constructs a trial store from a database handle.
func NewStore(db *sql.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

// NewStoreFromStorage constructs a trial store from the main storage store.
func NewStoreFromStorage(store *storage.Store) *Store {
	if store == nil {
		return nil
	}
	return NewStore(store.DB())
}

// Save upserts a trial's state snapshot.
func (s *Store) Save(state State) error {
	if s == nil || s.db == nil {
		return ErrStoreUnavailable
	}

	populations, err := marshalJSON(state.PopulationIDs)
	if err != nil {
		return fmt.Errorf("marshal populations: %w", err)
	}
	genResults, err := marshalJSON(state.GenerationResults)
	if err != nil {
		return fmt.Errorf("marshal generation results: %w", err)
	}
	popResults, err := marshalJSON(state.PopulationResults)
	if err != nil {
		return fmt.Errorf("marshal population results: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO trials (
			id, phase, populations, generations, token_budget, reservation_id,
			generation_results, population_results, failure_reason, error,
			created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			reservation_id = excluded.reservation_id,
			generation_results = excluded.generation_results,
			population_results = excluded.population_results,
			failure_reason = excluded.failure_reason,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`,
		state.ID,
		string(state.Phase),
		populations,
		state.Generations,
		state.TokenBudget,
		nullIfEmpty(state.ReservationID),
		nullIfEmpty(genResults),
		nullIfEmpty(popResults),
		nullIfEmpty(string(state.FailureReason)),
		nullIfEmpty(state.Error),
		state.CreatedAt,
		nullTime(state.StartedAt),
		nullTime(state.CompletedAt),
	)
	return err
}

// Load fetches one stored trial by id.
func (s *Store) Load(id string) (State, error) {
	if s == nil || s.db == nil {
		return State{}, ErrStoreUnavailable
	}

	row := s.db.QueryRow(`
		SELECT id, phase, populations, generations, token_budget, reservation_id,
		       generation_results, population_results, failure_reason, error,
		       created_at, started_at, completed_at
		FROM trials WHERE id = ?
	`, id)

	state, err := scanTrial(row)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrTrialNotFound
	}
	return state, err
}

// ListTerminal returns all stored trials in a terminal phase, newest first.
func (s *Store) ListTerminal() ([]State, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreUnavailable
	}

	rows, err := s.db.Query(`
		SELECT id, phase, populations, generations, token_budget, reservation_id,
		       generation_results, population_results, failure_reason, error,
		       created_at, started_at, completed_at
		FROM trials
		WHERE phase IN (?, ?)
		ORDER BY created_at DESC
	`, string(PhaseCompleted), string(PhaseFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trials []State
	for rows.Next() {
		state, err := scanTrial(rows)
		if err != nil {
			return nil, err
		}
		trials = append(trials, state)
	}
	return trials, rows.Err()
}

// MarkInterrupted flags every stored non-terminal trial as failed with the
// given reason and error text. Returns the ids it touched. Run once at
// startup; in-flight trials do not survive a restart.
func (s *Store) MarkInterrupted(reason, errText string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreUnavailable
	}

	rows, err := s.db.Query(`
		SELECT id FROM trials WHERE phase NOT IN (?, ?)
	`, string(PhaseCompleted), string(PhaseFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = s.db.Exec(`
		UPDATE trials
		SET phase = ?, failure_reason = ?, error = ?, completed_at = ?
		WHERE phase NOT IN (?, ?)
	`,
		string(PhaseFailed), reason, errText, time.Now(),
		string(PhaseCompleted), string(PhaseFailed),
	)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrial(row rowScanner) (State, error) {
	var (
		state         State
		phase         string
		populations   string
		reservationID sql.NullString
		genResults    sql.NullString
		popResults    sql.NullString
		failureReason sql.NullString
		errText       sql.NullString
		startedAt     sql.NullTime
		completedAt   sql.NullTime
	)

	err := row.Scan(
		&state.ID, &phase, &populations, &state.Generations, &state.TokenBudget,
		&reservationID, &genResults, &popResults, &failureReason, &errText,
		&state.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return State{}, err
	}

	state.Phase = Phase(phase)
	state.ReservationID = reservationID.String
	state.Error = errText.String
	if failureReason.Valid {
		state.FailureReason = mendelerrors.ErrorCode(failureReason.String)
	}
	if startedAt.Valid {
		state.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		state.CompletedAt = completedAt.Time
	}

	if err := json.Unmarshal([]byte(populations), &state.PopulationIDs); err != nil {
		return State{}, fmt.Errorf("unmarshal populations: %w", err)
	}
	if genResults.Valid && genResults.String != "" {
		if err := json.Unmarshal([]byte(genResults.String), &state.GenerationResults); err != nil {
			return State{}, fmt.Errorf("unmarshal generation results: %w", err)
		}
	}
	if popResults.Valid && popResults.String != "" {
		var results map[string]fleet.PopulationResult
		if err := json.Unmarshal([]byte(popResults.String), &results); err != nil {
			return State{}, fmt.Errorf("unmarshal population results: %w", err)
		}
		state.PopulationResults = results
	}

	return state, nil
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
