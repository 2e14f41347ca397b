package session

// Projections derive the read-only values screens need from session state.
// Vote maps tolerate keys for users who already left and synthetic readiness
// keys; projections only ever look up present-user ids.

// HasVotedForOption reports whether the user holds a non-null option vote.
func HasVotedForOption(votes OptionVotes, userID string) bool {
	v, ok := votes[userID]
	return ok && v != nil
}

// IsReadyForNextStage reports whether the user has confirmed their votes via
// the readiness flag.
func IsReadyForNextStage(votes OptionVotes, userID string) bool {
	_, ok := votes[ReadyKey(userID)]
	return ok
}

// AllUsersFinishedOptionVoting is true iff every present user has both a
// non-null option vote and a readiness flag. Stale keys for absent users are
// ignored; a present user with no entry blocks completion.
func AllUsersFinishedOptionVoting(users []User, votes OptionVotes) bool {
	if len(users) == 0 {
		return false
	}
	for _, u := range users {
		if !HasVotedForOption(votes, u.ID) || !IsReadyForNextStage(votes, u.ID) {
			return false
		}
	}
	return true
}

// AllUsersFinishedOutcomeVoting is true iff every present user has judged
// every other present user and confirmed with a readiness flag.
func AllUsersFinishedOutcomeVoting(users []User, votes OutcomeVotes) bool {
	if len(users) == 0 {
		return false
	}
	for _, voter := range users {
		judgments, ok := votes[voter.ID]
		if !ok {
			return false
		}
		for _, target := range users {
			if target.ID == voter.ID {
				continue
			}
			if _, ok := judgments[target.ID]; !ok {
				return false
			}
		}
		if _, ok := votes[ReadyKey(voter.ID)]; !ok {
			return false
		}
	}
	return true
}

// AllUsersReadyToReplay is true iff every present user has flagged
// play-again from the reveal stage.
func AllUsersReadyToReplay(users []User, votes OutcomeVotes) bool {
	if len(users) == 0 {
		return false
	}
	for _, u := range users {
		if _, ok := votes[PlayAgainKey(u.ID)]; !ok {
			return false
		}
	}
	return true
}

// MajorityOption returns the option index with the strictly highest vote
// count among present users. The reset sentinel counts as its own option. A
// tie for the maximum means no majority.
func MajorityOption(users []User, votes OptionVotes) (int, bool) {
	counts := make(map[int]int)
	for _, u := range users {
		v := votes[u.ID]
		if v == nil {
			continue
		}
		counts[*v]++
	}
	if len(counts) == 0 {
		return 0, false
	}

	winner, best, tied := 0, 0, false
	for option, count := range counts {
		switch {
		case count > best:
			winner, best, tied = option, count, false
		case count == best:
			tied = true
		}
	}
	if tied {
		return 0, false
	}
	return winner, true
}

// WinnerVoterIDs returns the present users whose vote matches the winning
// option, in display order.
func WinnerVoterIDs(users []User, votes OptionVotes, winner int) []string {
	var ids []string
	for _, u := range users {
		if v := votes[u.ID]; v != nil && *v == winner {
			ids = append(ids, u.ID)
		}
	}
	return ids
}

// OptionTally is the per-option vote count shown during scenario selection.
type OptionTally struct {
	OptionIndex int
	Votes       int
}

// TallyOptionVotes counts present-user votes per real option. Sentinel and
// out-of-range votes are excluded from the tally view.
func TallyOptionVotes(users []User, votes OptionVotes, optionCount int) []OptionTally {
	tallies := make([]OptionTally, optionCount)
	for i := range tallies {
		tallies[i].OptionIndex = i
	}
	for _, u := range users {
		v := votes[u.ID]
		if v == nil || *v < 0 || *v >= optionCount {
			continue
		}
		tallies[*v].Votes++
	}
	return tallies
}

// OutcomeReveal is one row of the reveal screen: how the group judged one
// user against that user's own answer.
type OutcomeReveal struct {
	Target   User
	YesVotes int
	NoVotes  int
	SelfVote *bool
}

// RevealOutcomes projects the reveal screen rows in display order.
func RevealOutcomes(users []User, votes OutcomeVotes) []OutcomeReveal {
	rows := make([]OutcomeReveal, 0, len(users))
	for _, target := range users {
		row := OutcomeReveal{Target: target}
		for _, voter := range users {
			judgments, ok := votes[voter.ID]
			if !ok {
				continue
			}
			outcome, ok := judgments[target.ID]
			if !ok {
				continue
			}
			if voter.ID == target.ID {
				row.SelfVote = boolPtr(outcome)
				continue
			}
			if outcome {
				row.YesVotes++
			} else {
				row.NoVotes++
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func boolPtr(b bool) *bool { return &b }
