package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func intPtr(v int) *int { return &v }

func users(ids ...string) []User {
	out := make([]User, 0, len(ids))
	for _, id := range ids {
		out = append(out, User{ID: id, Name: id})
	}
	return out
}

func TestMajorityOption(t *testing.T) {
	tests := []struct {
		name       string
		votes      OptionVotes
		wantWinner int
		wantOK     bool
	}{
		{
			name:       "clear winner",
			votes:      OptionVotes{"a": intPtr(0), "b": intPtr(0), "c": intPtr(1)},
			wantWinner: 0,
			wantOK:     true,
		},
		{
			name:   "two-way tie has no majority",
			votes:  OptionVotes{"a": intPtr(0), "b": intPtr(1)},
			wantOK: false,
		},
		{
			name:       "reset sentinel wins as its own option",
			votes:      OptionVotes{"a": intPtr(ResetOptionIndex), "b": intPtr(ResetOptionIndex), "c": intPtr(0)},
			wantWinner: ResetOptionIndex,
			wantOK:     true,
		},
		{
			name:   "no votes at all",
			votes:  OptionVotes{},
			wantOK: false,
		},
		{
			name:   "null votes are not counted",
			votes:  OptionVotes{"a": nil, "b": nil},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids := make([]string, 0, len(tt.votes))
			for id := range tt.votes {
				ids = append(ids, id)
			}
			winner, ok := MajorityOption(users(ids...), tt.votes)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantWinner, winner)
			}
		})
	}
}

func TestMajorityOptionIgnoresAbsentVoters(t *testing.T) {
	// "ghost" left the session; their vote must not flip the result.
	votes := OptionVotes{
		"a":     intPtr(1),
		"b":     intPtr(1),
		"ghost": intPtr(0),
	}
	winner, ok := MajorityOption(users("a", "b"), votes)
	assert.True(t, ok)
	assert.Equal(t, 1, winner)
}

func TestAllUsersFinishedOptionVoting(t *testing.T) {
	present := users("a", "b")

	votes := OptionVotes{
		"a":           intPtr(0),
		ReadyKey("a"): intPtr(0),
	}
	assert.False(t, AllUsersFinishedOptionVoting(present, votes), "b has not voted")

	votes["b"] = intPtr(1)
	assert.False(t, AllUsersFinishedOptionVoting(present, votes), "b has not confirmed")

	votes[ReadyKey("b")] = nil
	assert.True(t, AllUsersFinishedOptionVoting(present, votes), "readiness flag presence is enough")

	// Extra keys for ids not present never change the result.
	votes["ghost"] = intPtr(2)
	votes[ReadyKey("ghost")] = nil
	assert.True(t, AllUsersFinishedOptionVoting(present, votes))

	assert.False(t, AllUsersFinishedOptionVoting(nil, votes), "empty session never completes")
}

func TestAllUsersFinishedOutcomeVoting(t *testing.T) {
	present := users("a", "b")

	votes := OutcomeVotes{
		"a": {"b": true},
	}
	assert.False(t, AllUsersFinishedOutcomeVoting(present, votes))

	votes[ReadyKey("a")] = map[string]bool{"a": true}
	votes["b"] = map[string]bool{"a": false}
	assert.False(t, AllUsersFinishedOutcomeVoting(present, votes), "b has not confirmed")

	votes[ReadyKey("b")] = map[string]bool{"b": true}
	assert.True(t, AllUsersFinishedOutcomeVoting(present, votes))

	// Stale voter entries are tolerated.
	votes["ghost"] = map[string]bool{"a": true}
	assert.True(t, AllUsersFinishedOutcomeVoting(present, votes))
}

func TestAllUsersReadyToReplay(t *testing.T) {
	present := users("a", "b")

	votes := OutcomeVotes{PlayAgainKey("a"): {"a": true}}
	assert.False(t, AllUsersReadyToReplay(present, votes))

	votes[PlayAgainKey("b")] = map[string]bool{"b": true}
	assert.True(t, AllUsersReadyToReplay(present, votes))
}

func TestWinnerVoterIDs(t *testing.T) {
	votes := OptionVotes{
		"a": intPtr(1),
		"b": intPtr(0),
		"c": intPtr(1),
	}
	assert.Equal(t, []string{"a", "c"}, WinnerVoterIDs(users("a", "b", "c"), votes, 1))
}

func TestTallyOptionVotes(t *testing.T) {
	votes := OptionVotes{
		"a": intPtr(0),
		"b": intPtr(0),
		"c": intPtr(ResetOptionIndex),
		"d": intPtr(99),
	}
	tallies := TallyOptionVotes(users("a", "b", "c", "d"), votes, 2)
	assert.Equal(t, []OptionTally{
		{OptionIndex: 0, Votes: 2},
		{OptionIndex: 1, Votes: 0},
	}, tallies, "sentinel and out-of-range votes stay out of the tally")
}

func TestRevealOutcomes(t *testing.T) {
	present := users("a", "b", "c")
	votes := OutcomeVotes{
		"a": {"a": true, "b": true, "c": false},
		"b": {"a": true, "c": false},
		"c": {"a": false, "b": true},
	}

	rows := RevealOutcomes(present, votes)
	assert.Len(t, rows, 3)

	a := rows[0]
	assert.Equal(t, "a", a.Target.ID)
	assert.Equal(t, 1, a.YesVotes)
	assert.Equal(t, 1, a.NoVotes)
	if assert.NotNil(t, a.SelfVote) {
		assert.True(t, *a.SelfVote)
	}

	b := rows[1]
	assert.Equal(t, 2, b.YesVotes)
	assert.Equal(t, 0, b.NoVotes)
	assert.Nil(t, b.SelfVote)
}
