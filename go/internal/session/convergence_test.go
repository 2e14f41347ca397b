package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quandaryhq/quandary/go/internal/realtime"
)

// fakeRepo mimics the backend's per-key upsert and conditional-transition
// semantics in memory.
type fakeRepo struct {
	mu           sync.Mutex
	optionVotes  OptionVotes
	outcomeVotes OutcomeVotes
	stage        Stage

	selectedText   string
	winnerVoterIDs []string
	regenerated    int
	resets         int
	ratings        map[int]int
	failWrites     bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		optionVotes:  OptionVotes{},
		outcomeVotes: OutcomeVotes{},
		stage:        StageScenarioSelection,
		ratings:      map[int]int{},
	}
}

type repoError struct{}

func (repoError) Error() string { return "backend unavailable" }

func (f *fakeRepo) VoteForOption(ctx context.Context, sessionID uuid.UUID, voterKey string, optionIndex *int) (OptionVotes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return nil, repoError{}
	}
	f.optionVotes[voterKey] = optionIndex
	return f.copyOptionVotesLocked(), nil
}

func (f *fakeRepo) VoteForOutcome(ctx context.Context, sessionID uuid.UUID, voterKey, targetKey string, outcome bool) (OutcomeVotes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return nil, repoError{}
	}
	if f.outcomeVotes[voterKey] == nil {
		f.outcomeVotes[voterKey] = map[string]bool{}
	}
	f.outcomeVotes[voterKey][targetKey] = outcome
	out := make(OutcomeVotes, len(f.outcomeVotes))
	for k, v := range f.outcomeVotes {
		inner := make(map[string]bool, len(v))
		for t, o := range v {
			inner[t] = o
		}
		out[k] = inner
	}
	return out, nil
}

func (f *fakeRepo) CompleteScenarioSelection(ctx context.Context, sessionID uuid.UUID, scenarioText string, winnerVoterIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stage != StageScenarioSelection {
		// Conditional update: a racing duplicate attempt changes nothing.
		return nil
	}
	f.stage = StageOutcomeSelection
	f.selectedText = scenarioText
	f.winnerVoterIDs = winnerVoterIDs
	f.optionVotes = OptionVotes{}
	f.outcomeVotes = OutcomeVotes{}
	return nil
}

func (f *fakeRepo) RegenerateScenarioOptions(ctx context.Context, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regenerated++
	f.optionVotes = OptionVotes{}
	return nil
}

func (f *fakeRepo) CompleteOutcomeSelection(ctx context.Context, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stage != StageOutcomeSelection {
		return nil
	}
	f.stage = StageOutcomeReveal
	f.outcomeVotes = OutcomeVotes{}
	return nil
}

func (f *fakeRepo) ResetSession(ctx context.Context, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stage != StageOutcomeReveal {
		return nil
	}
	f.stage = StageScenarioSelection
	f.selectedText = ""
	f.optionVotes = OptionVotes{}
	f.outcomeVotes = OutcomeVotes{}
	f.resets++
	return nil
}

func (f *fakeRepo) RateScenarioOption(ctx context.Context, sessionID uuid.UUID, optionIndex int, rating int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return repoError{}
	}
	f.ratings[optionIndex] = rating
	return nil
}

func (f *fakeRepo) copyOptionVotesLocked() OptionVotes {
	out := make(OptionVotes, len(f.optionVotes))
	for k, v := range f.optionVotes {
		out[k] = v
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *fakeRepo, *Store, *toastRecorder) {
	t.Helper()
	repo := newFakeRepo()
	recorder := &toastRecorder{}

	store := NewStore(User{ID: "alice", Name: "Alice"}, Record{
		ID:              uuid.New(),
		Stage:           StageScenarioSelection,
		ScenarioOptions: []string{"tell the truth", "keep the secret"},
	})
	require.NoError(t, store.Apply(UsersUpdated{Users: []User{
		{ID: "alice", Name: "Alice"},
		{ID: "bob", Name: "Bob"},
	}}))

	queue := NewBroadcastQueue(func(ctx context.Context, ev realtime.BroadcastEvent) error {
		return nil
	}, clockwork.NewFakeClock(), 200*time.Millisecond)
	t.Cleanup(queue.Close)

	return NewEngine(store, repo, queue, recorder), repo, store, recorder
}

func TestLastConfirmingVoterTriggersTransition(t *testing.T) {
	engine, repo, store, _ := newTestEngine(t)
	ctx := context.Background()
	sessionID := store.State().Record.ID

	// Alice votes but does not confirm: nothing happens.
	require.NoError(t, engine.VoteForOption(ctx, 1))
	assert.Equal(t, StageScenarioSelection, repo.stage)

	// Bob's client writes his vote and readiness.
	one := 1
	_, err := repo.VoteForOption(ctx, sessionID, "bob", &one)
	require.NoError(t, err)
	_, err = repo.VoteForOption(ctx, sessionID, ReadyKey("bob"), nil)
	require.NoError(t, err)

	// Alice's confirmation is the write that completes the stage, so her
	// client performs the transition.
	require.NoError(t, engine.ConfirmOptionVote(ctx))

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, StageOutcomeSelection, repo.stage)
	assert.Equal(t, "keep the secret", repo.selectedText)
	assert.ElementsMatch(t, []string{"alice", "bob"}, repo.winnerVoterIDs)
	assert.Empty(t, repo.optionVotes, "vote maps cleared on transition")
}

func TestConfirmBeforeOthersFinishDoesNotTransition(t *testing.T) {
	engine, repo, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.VoteForOption(ctx, 0))
	require.NoError(t, engine.ConfirmOptionVote(ctx))

	assert.Equal(t, StageScenarioSelection, repo.stage, "bob is still voting")
	assert.Zero(t, repo.regenerated)
}

func TestTieRoutesToRegeneration(t *testing.T) {
	engine, repo, store, recorder := newTestEngine(t)
	ctx := context.Background()
	sessionID := store.State().Record.ID

	zero := 0
	_, err := repo.VoteForOption(ctx, sessionID, "bob", &zero)
	require.NoError(t, err)
	_, err = repo.VoteForOption(ctx, sessionID, ReadyKey("bob"), nil)
	require.NoError(t, err)

	require.NoError(t, engine.VoteForOption(ctx, 1))
	require.NoError(t, engine.ConfirmOptionVote(ctx))

	assert.Equal(t, StageScenarioSelection, repo.stage, "a tie never advances the stage")
	assert.Equal(t, 1, repo.regenerated)
	assert.Contains(t, recorder.Titles(), "No majority")
}

func TestResetSentinelMajorityRegenerates(t *testing.T) {
	engine, repo, store, _ := newTestEngine(t)
	ctx := context.Background()
	sessionID := store.State().Record.ID

	sentinel := ResetOptionIndex
	_, err := repo.VoteForOption(ctx, sessionID, "bob", &sentinel)
	require.NoError(t, err)
	_, err = repo.VoteForOption(ctx, sessionID, ReadyKey("bob"), nil)
	require.NoError(t, err)

	require.NoError(t, engine.VoteForOption(ctx, ResetOptionIndex))
	require.NoError(t, engine.ConfirmOptionVote(ctx))

	assert.Equal(t, StageScenarioSelection, repo.stage)
	assert.Equal(t, 1, repo.regenerated, "a winning reset sentinel is not a real option")
}

func TestOutcomeVotingAdvancesToReveal(t *testing.T) {
	engine, repo, store, _ := newTestEngine(t)
	ctx := context.Background()
	sessionID := store.State().Record.ID
	repo.stage = StageOutcomeSelection

	// Bob has judged alice and confirmed.
	_, err := repo.VoteForOutcome(ctx, sessionID, "bob", "alice", true)
	require.NoError(t, err)
	_, err = repo.VoteForOutcome(ctx, sessionID, ReadyKey("bob"), "bob", true)
	require.NoError(t, err)

	require.NoError(t, engine.VoteForOutcome(ctx, "bob", false))
	require.NoError(t, engine.ConfirmOutcomeVotes(ctx))

	assert.Equal(t, StageOutcomeReveal, repo.stage)
	assert.Empty(t, repo.outcomeVotes, "outcome votes cleared on reveal")
}

func TestPlayAgainResetsWhenEveryoneIsReady(t *testing.T) {
	engine, repo, store, _ := newTestEngine(t)
	ctx := context.Background()
	sessionID := store.State().Record.ID
	repo.stage = StageOutcomeReveal

	require.NoError(t, engine.PlayAgain(ctx))
	assert.Equal(t, StageOutcomeReveal, repo.stage, "alice alone cannot restart")

	_, err := repo.VoteForOutcome(ctx, sessionID, PlayAgainKey("bob"), "bob", true)
	require.NoError(t, err)

	// A second flag write from alice is idempotent and now completes.
	require.NoError(t, engine.PlayAgain(ctx))
	assert.Equal(t, StageScenarioSelection, repo.stage)
	assert.Equal(t, 1, repo.resets)
}

func TestBackendFailureIsReportedNotRetried(t *testing.T) {
	engine, repo, _, recorder := newTestEngine(t)
	ctx := context.Background()
	repo.failWrites = true

	err := engine.VoteForOption(ctx, 0)
	require.Error(t, err)
	assert.NotEmpty(t, recorder.Titles(), "failure surfaces as a transient notice")

	repo.mu.Lock()
	votes := len(repo.optionVotes)
	repo.mu.Unlock()
	assert.Zero(t, votes, "no retry happened")
}

func TestRateOptionFailureIsSoft(t *testing.T) {
	engine, repo, _, recorder := newTestEngine(t)
	repo.failWrites = true

	engine.RateOption(context.Background(), 0, 5)
	assert.Contains(t, recorder.Titles(), "Couldn't save your rating")
}
