package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quandaryhq/quandary/go/internal/realtime"
)

// Repository is the persistence surface the convergence engine writes
// through. Vote calls are atomic per-key upserts into the session's vote
// maps and return the map as it stands after the write, so the caller can
// re-check completion against the value its own write produced. Stage
// transitions are conditional on the current stage, which makes a duplicate
// transition attempt from a racing client a no-op.
type Repository interface {
	// VoteForOption upserts one option vote (or readiness flag) keyed by
	// voter and returns the full option-vote map after the write.
	VoteForOption(ctx context.Context, sessionID uuid.UUID, voterKey string, optionIndex *int) (OptionVotes, error)

	// VoteForOutcome upserts one outcome judgment keyed by voter and target
	// and returns the full outcome-vote map after the write.
	VoteForOutcome(ctx context.Context, sessionID uuid.UUID, voterKey, targetKey string, outcome bool) (OutcomeVotes, error)

	// CompleteScenarioSelection persists the winning scenario (deduplicated
	// against identical stored text), records who voted for it, clears the
	// vote maps, and advances the stage. The update applies only while the
	// session is still in scenario selection.
	CompleteScenarioSelection(ctx context.Context, sessionID uuid.UUID, scenarioText string, winnerVoterIDs []string) error

	// RegenerateScenarioOptions clears option votes and requests a fresh set
	// of scenario options.
	RegenerateScenarioOptions(ctx context.Context, sessionID uuid.UUID) error

	// CompleteOutcomeSelection clears outcome votes and advances to the
	// reveal stage, only while the session is still in outcome selection.
	CompleteOutcomeSelection(ctx context.Context, sessionID uuid.UUID) error

	// ResetSession returns a revealed session to scenario selection with all
	// votes and the selected scenario cleared.
	ResetSession(ctx context.Context, sessionID uuid.UUID) error

	// RateScenarioOption records a quality rating for a generated option.
	RateScenarioOption(ctx context.Context, sessionID uuid.UUID, optionIndex int, rating int) error
}

// Engine runs the leaderless stage-convergence protocol. Every client runs
// the same code; whichever client's vote write happens to complete the stage
// performs the transition, and everyone else just observes the resulting row
// update. There is no coordinator: correctness rests on the repository's
// per-key last-write-wins vote upserts and conditional stage transitions.
type Engine struct {
	store    *Store
	repo     Repository
	queue    *BroadcastQueue
	notifier Notifier
}

// NewEngine creates an engine over the given store and repository.
func NewEngine(store *Store, repo Repository, queue *BroadcastQueue, notifier Notifier) *Engine {
	return &Engine{
		store:    store,
		repo:     repo,
		queue:    queue,
		notifier: notifier,
	}
}

// VoteForOption records the current user's option vote. The vote stays
// changeable until ConfirmOptionVote sets the readiness flag.
func (e *Engine) VoteForOption(ctx context.Context, optionIndex int) error {
	state := e.store.State()
	_, err := e.repo.VoteForOption(ctx, state.Record.ID, state.CurrentUser.ID, &optionIndex)
	if err != nil {
		e.reportWriteFailure("Couldn't save your vote", err)
		return fmt.Errorf("vote for option: %w", err)
	}
	return nil
}

// ConfirmOptionVote flags the current user as done with scenario selection
// and, if that completes the stage, resolves the majority and performs the
// transition.
func (e *Engine) ConfirmOptionVote(ctx context.Context) error {
	state := e.store.State()
	votes, err := e.repo.VoteForOption(ctx, state.Record.ID, ReadyKey(state.CurrentUser.ID), nil)
	if err != nil {
		e.reportWriteFailure("Couldn't confirm your vote", err)
		return fmt.Errorf("confirm option vote: %w", err)
	}

	if !AllUsersFinishedOptionVoting(state.Users, votes) {
		return nil
	}
	return e.resolveScenarioSelection(ctx, state, votes)
}

// resolveScenarioSelection runs majority resolution on the completed vote
// map. A clear winner advances the session; a tie or a winning reset
// sentinel routes to the regenerate path. Both outcomes are idempotent on
// the backend, so a racing client that also observed completion does no
// harm.
func (e *Engine) resolveScenarioSelection(ctx context.Context, state State, votes OptionVotes) error {
	winner, ok := MajorityOption(state.Users, votes)
	options := state.Record.ScenarioOptions

	if !ok || winner == ResetOptionIndex || winner < 0 || winner >= len(options) {
		log.Info().
			Str("session_id", state.Record.ID.String()).
			Int("winner", winner).
			Bool("majority", ok).
			Msg("no scenario majority, regenerating options")

		e.broadcastToast(state, realtime.Toast{
			Status:           realtime.ToastInfo,
			Title:            "No majority",
			Description:      "Generating new scenario options",
			DontShowToUserID: state.CurrentUser.ID,
		})
		e.notifier.Notify(realtime.ToastInfo, "No majority", "Generating new scenario options")

		if err := e.repo.RegenerateScenarioOptions(ctx, state.Record.ID); err != nil {
			e.reportWriteFailure("Couldn't regenerate options", err)
			return fmt.Errorf("regenerate scenario options: %w", err)
		}
		return nil
	}

	voters := WinnerVoterIDs(state.Users, votes, winner)
	if err := e.repo.CompleteScenarioSelection(ctx, state.Record.ID, options[winner], voters); err != nil {
		e.reportWriteFailure("Couldn't start the scenario", err)
		return fmt.Errorf("complete scenario selection: %w", err)
	}

	log.Info().
		Str("session_id", state.Record.ID.String()).
		Int("winner", winner).
		Int("winner_voters", len(voters)).
		Msg("scenario majority resolved")
	return nil
}

// VoteForOutcome records the current user's judgment of one target user.
func (e *Engine) VoteForOutcome(ctx context.Context, targetUserID string, outcome bool) error {
	state := e.store.State()
	_, err := e.repo.VoteForOutcome(ctx, state.Record.ID, state.CurrentUser.ID, targetUserID, outcome)
	if err != nil {
		e.reportWriteFailure("Couldn't save your prediction", err)
		return fmt.Errorf("vote for outcome: %w", err)
	}
	return nil
}

// ConfirmOutcomeVotes flags the current user as done judging outcomes and,
// if that completes the stage, advances the session to the reveal.
func (e *Engine) ConfirmOutcomeVotes(ctx context.Context) error {
	state := e.store.State()
	votes, err := e.repo.VoteForOutcome(ctx, state.Record.ID, ReadyKey(state.CurrentUser.ID), state.CurrentUser.ID, true)
	if err != nil {
		e.reportWriteFailure("Couldn't confirm your predictions", err)
		return fmt.Errorf("confirm outcome votes: %w", err)
	}

	if !AllUsersFinishedOutcomeVoting(state.Users, votes) {
		return nil
	}

	if err := e.repo.CompleteOutcomeSelection(ctx, state.Record.ID); err != nil {
		e.reportWriteFailure("Couldn't reveal the outcomes", err)
		return fmt.Errorf("complete outcome selection: %w", err)
	}

	log.Info().
		Str("session_id", state.Record.ID.String()).
		Msg("outcome voting complete, advancing to reveal")
	return nil
}

// PlayAgain flags the current user as ready to restart and, when every
// present user has done the same, resets the session to scenario selection.
func (e *Engine) PlayAgain(ctx context.Context) error {
	state := e.store.State()
	votes, err := e.repo.VoteForOutcome(ctx, state.Record.ID, PlayAgainKey(state.CurrentUser.ID), state.CurrentUser.ID, true)
	if err != nil {
		e.reportWriteFailure("Couldn't queue the next round", err)
		return fmt.Errorf("flag play again: %w", err)
	}

	if !AllUsersReadyToReplay(state.Users, votes) {
		return nil
	}

	if err := e.repo.ResetSession(ctx, state.Record.ID); err != nil {
		e.reportWriteFailure("Couldn't start the next round", err)
		return fmt.Errorf("reset session: %w", err)
	}

	log.Info().
		Str("session_id", state.Record.ID.String()).
		Msg("all users ready, session reset for a new round")
	return nil
}

// RateOption records a quality rating for a generated scenario option. A
// failure is reported but never blocks the game.
func (e *Engine) RateOption(ctx context.Context, optionIndex, rating int) {
	state := e.store.State()
	if err := e.repo.RateScenarioOption(ctx, state.Record.ID, optionIndex, rating); err != nil {
		log.Warn().Err(err).Int("option", optionIndex).Msg("failed to rate scenario option")
		e.notifier.Notify(realtime.ToastWarning, "Couldn't save your rating", "")
	}
}

func (e *Engine) broadcastToast(state State, toast realtime.Toast) {
	event, err := realtime.NewToastEvent(toast)
	if err != nil {
		log.Error().Err(err).Msg("failed to build toast broadcast")
		return
	}
	e.queue.Enqueue(event)
}

func (e *Engine) reportWriteFailure(title string, err error) {
	log.Error().Err(err).Msg("backend write failed")
	e.notifier.Notify(realtime.ToastError, title, "Please try again")
}
