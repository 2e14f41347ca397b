package session

import (
	"errors"
	"fmt"
)

// ErrProtocol marks a client/server contract violation: an action the reducer
// does not recognize, or an action carrying no payload. These are programming
// errors and must fail fast rather than be swallowed.
var ErrProtocol = errors.New("session: protocol violation")

// Action is a closed set of state transitions. Every concrete action lives in
// this package; the sealed marker keeps the set closed so dispatch is
// exhaustive at compile time.
type Action interface {
	isAction()
}

// UsersUpdated replaces the present-member list with a fresh snapshot.
type UsersUpdated struct {
	Users []User
}

// RecordUpdated shallow-merges a partial row diff into the session record.
type RecordUpdated struct {
	Patch *RecordPatch
}

// UserProfileUpdated patches one user's display name after a profile change.
type UserProfileUpdated struct {
	UserID string
	Name   string
}

// TypingStateChanged patches one user's typing indicator.
type TypingStateChanged struct {
	UserID   string
	IsTyping bool
}

func (UsersUpdated) isAction()       {}
func (RecordUpdated) isAction()      {}
func (UserProfileUpdated) isAction() {}
func (TypingStateChanged) isAction() {}

// Reduce applies one action to the state and returns the next state. It is a
// pure function: the input state is never mutated. A nil action, an action
// with a missing payload, or an action type outside the closed set returns
// ErrProtocol.
func Reduce(state State, action Action) (State, error) {
	if action == nil {
		return state, fmt.Errorf("%w: nil action", ErrProtocol)
	}

	switch a := action.(type) {
	case UsersUpdated:
		if a.Users == nil {
			return state, fmt.Errorf("%w: usersUpdated without users payload", ErrProtocol)
		}
		return reduceUsersUpdated(state, a), nil

	case RecordUpdated:
		if a.Patch == nil {
			return state, fmt.Errorf("%w: recordUpdated without patch payload", ErrProtocol)
		}
		return reduceRecordUpdated(state, a), nil

	case UserProfileUpdated:
		if a.UserID == "" {
			return state, fmt.Errorf("%w: userProfileUpdated without user id", ErrProtocol)
		}
		return reduceUserPatch(state, a.UserID, func(u *User) {
			u.Name = a.Name
			if !u.IsCurrentUser {
				u.RelativeName = a.Name
			}
		}), nil

	case TypingStateChanged:
		if a.UserID == "" {
			return state, fmt.Errorf("%w: typingStateChanged without user id", ErrProtocol)
		}
		return reduceUserPatch(state, a.UserID, func(u *User) {
			u.IsTyping = a.IsTyping
		}), nil

	default:
		return state, fmt.Errorf("%w: unknown action %T", ErrProtocol, action)
	}
}

func reduceUsersUpdated(state State, a UsersUpdated) State {
	users := dedupeUsers(a.Users)
	joined := false
	for i := range users {
		if users[i].ID == state.CurrentUser.ID {
			users[i].IsCurrentUser = true
			users[i].RelativeName = SelfName
			joined = true
		} else {
			users[i].IsCurrentUser = false
			users[i].RelativeName = users[i].Name
		}
	}

	next := state
	next.Users = users
	next.CurrentUserHasJoined = joined
	return next
}

func reduceRecordUpdated(state State, a RecordUpdated) State {
	next := state
	rec := state.Record
	patch := a.Patch

	if patch.Stage != nil {
		rec.Stage = *patch.Stage
	}
	if patch.ScenarioOptions != nil {
		rec.ScenarioOptions = *patch.ScenarioOptions
	}
	if patch.ScenarioOptionVotes != nil {
		rec.ScenarioOptionVotes = *patch.ScenarioOptionVotes
	}
	if patch.ScenarioOutcomeVotes != nil {
		rec.ScenarioOutcomeVotes = *patch.ScenarioOutcomeVotes
	}
	if patch.SelectedScenarioText != nil {
		rec.SelectedScenarioText = *patch.SelectedScenarioText
	}
	if patch.AIIsResponding != nil {
		rec.AIIsResponding = *patch.AIIsResponding
	}

	next.Record = rec
	return next
}

func reduceUserPatch(state State, userID string, patch func(*User)) State {
	next := state
	users := make([]User, len(state.Users))
	copy(users, state.Users)
	for i := range users {
		if users[i].ID == userID {
			patch(&users[i])
		}
	}
	next.Users = users
	return next
}
