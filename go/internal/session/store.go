package session

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Store owns the per-session state. Callbacks registered on a channel live
// for the whole subscription, so they read current state through the store
// rather than capturing a snapshot at registration time.
type Store struct {
	mu    sync.RWMutex
	state State
	subs  []func(State)
}

// NewStore creates a store for one session. The current user is fixed for
// the lifetime of the state.
func NewStore(currentUser User, record Record) *Store {
	currentUser.IsCurrentUser = true
	currentUser.RelativeName = SelfName
	return &Store{
		state: State{
			CurrentUser: currentUser,
			Record:      record,
		},
	}
}

// State returns the current state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Apply runs one action through the reducer and notifies subscribers.
// Protocol violations are returned unapplied; the caller decides whether to
// tear the session down.
func (s *Store) Apply(action Action) error {
	s.mu.Lock()
	next, err := Reduce(s.state, action)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	subs := s.subs
	s.mu.Unlock()

	log.Debug().
		Str("session_id", next.Record.ID.String()).
		Type("action", action).
		Int("users", len(next.Users)).
		Msg("state updated")

	for _, fn := range subs {
		fn(next)
	}
	return nil
}

// Subscribe registers a listener invoked after every applied action.
// Listeners cannot be removed; they share the store's lifetime.
func (s *Store) Subscribe(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}
