package sessiondb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sqlc-dev/pqtype"

	"github.com/quandaryhq/quandary/go/internal/session"
)

// Repository persists session rows and vote maps. Vote writes go through
// stored procedures that upsert a single key into the jsonb vote column
// atomically and return the column's new value, so concurrent voters only
// ever conflict per key (last write wins) and every caller sees the map its
// own write produced.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a repository over an existing pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Connect opens a pgx pool for the configured database.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// GetSession reads one session row.
func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (session.Record, error) {
	const query = `
		SELECT id, stage, scenario_options, scenario_option_votes,
		       scenario_outcome_votes, selected_scenario_text, ai_is_responding
		FROM sessions
		WHERE id = $1`

	var (
		rec          session.Record
		options      []string
		optionVotes  pqtype.NullRawMessage
		outcomeVotes pqtype.NullRawMessage
		selectedText *string
	)
	row := r.pool.QueryRow(ctx, query, id)
	if err := row.Scan(&rec.ID, &rec.Stage, &options, &optionVotes, &outcomeVotes, &selectedText, &rec.AIIsResponding); err != nil {
		return session.Record{}, fmt.Errorf("failed to get session: %w", err)
	}

	rec.ScenarioOptions = options
	if err := unmarshalVotes(optionVotes, &rec.ScenarioOptionVotes); err != nil {
		return session.Record{}, fmt.Errorf("failed to decode option votes: %w", err)
	}
	if err := unmarshalVotes(outcomeVotes, &rec.ScenarioOutcomeVotes); err != nil {
		return session.Record{}, fmt.Errorf("failed to decode outcome votes: %w", err)
	}
	if selectedText != nil {
		rec.SelectedScenarioText = *selectedText
	}
	return rec, nil
}

// VoteForOption calls the vote_for_option procedure: an atomic per-key
// upsert into scenario_option_votes that returns the updated map.
func (r *Repository) VoteForOption(ctx context.Context, sessionID uuid.UUID, voterKey string, optionIndex *int) (session.OptionVotes, error) {
	const query = `SELECT vote_for_option($1, $2, $3)`

	var raw pqtype.NullRawMessage
	if err := r.pool.QueryRow(ctx, query, sessionID, voterKey, optionIndex).Scan(&raw); err != nil {
		return nil, fmt.Errorf("failed to vote for option: %w", err)
	}

	var votes session.OptionVotes
	if err := unmarshalVotes(raw, &votes); err != nil {
		return nil, fmt.Errorf("failed to decode option votes: %w", err)
	}
	return votes, nil
}

// VoteForOutcome calls the vote_for_outcome procedure: an atomic per-key
// upsert into scenario_outcome_votes that returns the updated map.
func (r *Repository) VoteForOutcome(ctx context.Context, sessionID uuid.UUID, voterKey, targetKey string, outcome bool) (session.OutcomeVotes, error) {
	const query = `SELECT vote_for_outcome($1, $2, $3, $4)`

	var raw pqtype.NullRawMessage
	if err := r.pool.QueryRow(ctx, query, sessionID, voterKey, targetKey, outcome).Scan(&raw); err != nil {
		return nil, fmt.Errorf("failed to vote for outcome: %w", err)
	}

	var votes session.OutcomeVotes
	if err := unmarshalVotes(raw, &votes); err != nil {
		return nil, fmt.Errorf("failed to decode outcome votes: %w", err)
	}
	return votes, nil
}

// CompleteScenarioSelection persists the winning scenario and advances the
// session, all in one transaction. The stage update is conditional, so a
// racing client that also observed completion updates zero rows and the
// duplicate attempt is harmless.
func (r *Repository) CompleteScenarioSelection(ctx context.Context, sessionID uuid.UUID, scenarioText string, winnerVoterIDs []string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Identical scenario text maps to one stored scenario row.
	const upsertScenario = `
		INSERT INTO scenarios (id, text)
		VALUES ($1, $2)
		ON CONFLICT (text) DO UPDATE SET text = EXCLUDED.text
		RETURNING id`

	var scenarioID uuid.UUID
	if err := tx.QueryRow(ctx, upsertScenario, uuid.New(), scenarioText).Scan(&scenarioID); err != nil {
		return fmt.Errorf("failed to upsert scenario: %w", err)
	}

	const recordVoter = `
		INSERT INTO scenario_winner_votes (scenario_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	for _, userID := range winnerVoterIDs {
		if _, err := tx.Exec(ctx, recordVoter, scenarioID, userID); err != nil {
			return fmt.Errorf("failed to record winner vote: %w", err)
		}
	}

	const advance = `
		UPDATE sessions
		SET stage = $2,
		    selected_scenario_text = $3,
		    scenario_option_votes = '{}'::jsonb,
		    scenario_outcome_votes = '{}'::jsonb
		WHERE id = $1 AND stage = $4`

	if _, err := tx.Exec(ctx, advance, sessionID, session.StageOutcomeSelection, scenarioText, session.StageScenarioSelection); err != nil {
		return fmt.Errorf("failed to advance session stage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RegenerateScenarioOptions clears option votes and asks the backend for a
// fresh option set.
func (r *Repository) RegenerateScenarioOptions(ctx context.Context, sessionID uuid.UUID) error {
	const query = `SELECT regenerate_scenario_options($1)`

	if _, err := r.pool.Exec(ctx, query, sessionID); err != nil {
		return fmt.Errorf("failed to regenerate scenario options: %w", err)
	}
	return nil
}

// CompleteOutcomeSelection advances to the reveal stage, clearing outcome
// votes. Conditional on the current stage so duplicates no-op.
func (r *Repository) CompleteOutcomeSelection(ctx context.Context, sessionID uuid.UUID) error {
	const query = `
		UPDATE sessions
		SET stage = $2,
		    scenario_outcome_votes = '{}'::jsonb
		WHERE id = $1 AND stage = $3`

	if _, err := r.pool.Exec(ctx, query, sessionID, session.StageOutcomeReveal, session.StageOutcomeSelection); err != nil {
		return fmt.Errorf("failed to complete outcome selection: %w", err)
	}
	return nil
}

// ResetSession returns a revealed session to scenario selection for another
// round.
func (r *Repository) ResetSession(ctx context.Context, sessionID uuid.UUID) error {
	const query = `
		UPDATE sessions
		SET stage = $2,
		    scenario_options = '{}',
		    scenario_option_votes = '{}'::jsonb,
		    scenario_outcome_votes = '{}'::jsonb,
		    selected_scenario_text = NULL
		WHERE id = $1 AND stage = $3`

	if _, err := r.pool.Exec(ctx, query, sessionID, session.StageScenarioSelection, session.StageOutcomeReveal); err != nil {
		return fmt.Errorf("failed to reset session: %w", err)
	}
	return nil
}

// RateScenarioOption stores one quality rating for a generated option.
func (r *Repository) RateScenarioOption(ctx context.Context, sessionID uuid.UUID, optionIndex int, rating int) error {
	const query = `
		INSERT INTO scenario_option_ratings (id, session_id, option_index, rating)
		VALUES ($1, $2, $3, $4)`

	if _, err := r.pool.Exec(ctx, query, uuid.New(), sessionID, optionIndex, rating); err != nil {
		return fmt.Errorf("failed to rate scenario option: %w", err)
	}
	return nil
}

// unmarshalVotes decodes a nullable jsonb column into a vote map. A SQL NULL
// decodes to an empty map so reducers never see nil.
func unmarshalVotes[M ~map[string]V, V any](raw pqtype.NullRawMessage, out *M) error {
	if !raw.Valid || len(raw.RawMessage) == 0 {
		*out = make(M)
		return nil
	}
	return json.Unmarshal(raw.RawMessage, out)
}
