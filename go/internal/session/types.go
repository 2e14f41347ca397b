package session

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Stage represents the phase a session is currently in. Stages advance
// strictly in order, with reveal looping back to selection on play-again.
type Stage string

const (
	StageScenarioSelection Stage = "scenario-selection"
	StageOutcomeSelection  Stage = "scenario-outcome-selection"
	StageOutcomeReveal     Stage = "scenario-outcome-reveal"
)

// ResetOptionIndex is the sentinel option vote meaning "none of these,
// generate new options". It participates in majority counting as its own
// distinct option but never maps to scenario text.
const ResetOptionIndex = -1

// SelfName is the relative display name a user sees for themself.
const SelfName = "I"

// User is one present member of a session.
type User struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	RelativeName  string `json:"relative_name"`
	IsCurrentUser bool   `json:"is_current_user"`
	IsTyping      bool   `json:"is_typing"`
}

// OptionVotes maps a voter key to the option index they chose. A nil value
// means the key exists but carries no vote. Keys are not guaranteed to be
// present-user ids: readiness flags and votes from departed users share the
// same map.
type OptionVotes map[string]*int

// OutcomeVotes maps a voter key to that voter's per-target outcome
// judgments. As with OptionVotes, synthetic keys coexist with user ids.
type OutcomeVotes map[string]map[string]bool

// Record mirrors the persisted session row. Only the backend writes the row;
// clients apply confirmed changes through the reducer.
type Record struct {
	ID                   uuid.UUID    `json:"id"`
	Stage                Stage        `json:"stage"`
	ScenarioOptions      []string     `json:"scenario_options"`
	ScenarioOptionVotes  OptionVotes  `json:"scenario_option_votes"`
	ScenarioOutcomeVotes OutcomeVotes `json:"scenario_outcome_votes"`
	SelectedScenarioText string       `json:"selected_scenario_text"`
	AIIsResponding       bool         `json:"ai_is_responding"`
}

// RecordPatch is a partial update to a Record. The backend sends row diffs,
// so every field is optional; nil fields are left untouched by the merge.
type RecordPatch struct {
	Stage                *Stage        `json:"stage,omitempty"`
	ScenarioOptions      *[]string     `json:"scenario_options,omitempty"`
	ScenarioOptionVotes  *OptionVotes  `json:"scenario_option_votes,omitempty"`
	ScenarioOutcomeVotes *OutcomeVotes `json:"scenario_outcome_votes,omitempty"`
	SelectedScenarioText *string       `json:"selected_scenario_text,omitempty"`
	AIIsResponding       *bool         `json:"ai_is_responding,omitempty"`
}

// ParseRecordPatch decodes a row-change payload into a patch.
func ParseRecordPatch(data json.RawMessage) (RecordPatch, error) {
	var patch RecordPatch
	if err := json.Unmarshal(data, &patch); err != nil {
		return RecordPatch{}, err
	}
	return patch, nil
}

// State is the complete per-session client state. It is owned by the Store
// and mutated only through reducer actions.
type State struct {
	Users                []User
	CurrentUser          User
	Record               Record
	CurrentUserHasJoined bool
}

// UserByID returns the present user with the given id, if any.
func (s State) UserByID(id string) (User, bool) {
	for _, u := range s.Users {
		if u.ID == id {
			return u, true
		}
	}
	return User{}, false
}

// OtherUsers returns every present user except the current one, in display
// order.
func (s State) OtherUsers() []User {
	others := make([]User, 0, len(s.Users))
	for _, u := range s.Users {
		if !u.IsCurrentUser {
			others = append(others, u)
		}
	}
	return others
}

// ReadyKey returns the synthetic vote-map key that flags a user as done
// voting for the current stage.
func ReadyKey(userID string) string {
	return userID + ":ready"
}

// PlayAgainKey returns the synthetic vote-map key that flags a user as ready
// to restart the game from the reveal stage.
func PlayAgainKey(userID string) string {
	return userID + ":play-again"
}

// dedupeUsers collapses duplicate ids, keeping the first occurrence. Multiple
// tabs or devices for one identity must show as one member.
func dedupeUsers(users []User) []User {
	seen := make(map[string]bool, len(users))
	out := make([]User, 0, len(users))
	for _, u := range users {
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		out = append(out, u)
	}
	return out
}
